package data

import (
	"image"
	"image/png"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStreamConfig() StreamConfig {
	return StreamConfig{
		LabelledClasses: 4,
		TotalClasses:    8,
		NumStages:       2,
		PropTrainLabels: 0.5,
		ValFraction:     0.2,
		Seed:            3,
	}
}

func TestStreamConfig(t *testing.T) {
	cfg := StreamConfig{LabelledClasses: 50, TotalClasses: 100, NumStages: 5, PropTrainLabels: 0.8}
	require.NoError(t, cfg.Validate(100))
	assert.Equal(t, 10, cfg.ClassesPerStage())
	assert.Equal(t, 0, cfg.IntroStage(49))
	assert.Equal(t, 1, cfg.IntroStage(50))
	assert.Equal(t, 5, cfg.IntroStage(99))
	assert.Equal(t, 70, cfg.SeenClasses(2))
	assert.Equal(t, 50, cfg.OldClasses(0))
	assert.Equal(t, 50, cfg.OldClasses(1))
	assert.Equal(t, 60, cfg.OldClasses(2))

	require.Error(t, cfg.Validate(80))
	cfg.NumStages = 60
	require.Error(t, cfg.Validate(100))
}

func TestNewStream(t *testing.T) {
	cfg := testStreamConfig()
	trainSrc := Synthetic(8, 20, 8, 1)
	testSrc := Synthetic(8, 5, 8, 2)
	stream, err := NewStream(trainSrc, testSrc, cfg)
	require.NoError(t, err)
	require.Len(t, stream.Stages, 3)

	// Initial stage: only labelled classes, half of their training samples labelled.
	stage0 := stream.Stages[0]
	for _, label := range stage0.Train.Labels {
		assert.Less(t, label, int32(4))
	}
	// 20 samples per class, 4 held out, 8 labelled.
	assert.Equal(t, 4*8, stage0.Train.NumLabelled())
	assert.Equal(t, 4*8, stage0.Anchors.Len())

	// Later stages: no labelled samples, new classes of the stage and old classes mixed in.
	for _, stage := range stream.Stages[1:] {
		assert.Equal(t, 0, stage.Train.NumLabelled())
		seen := map[int32]bool{}
		for _, label := range stage.Train.Labels {
			seen[label] = true
			assert.Less(t, int(label), cfg.SeenClasses(stage.Index))
		}
		for class := cfg.SeenClasses(stage.Index - 1); class < cfg.SeenClasses(stage.Index); class++ {
			assert.Truef(t, seen[int32(class)], "stage %d is missing new class %d", stage.Index, class)
		}
		assert.True(t, seen[0], "old classes keep appearing unlabelled")
		assert.Same(t, stage0.Anchors, stage.Anchors)
	}

	// Every unlabelled training sample is used exactly once over the stages.
	total := 0
	for _, stage := range stream.Stages {
		total += stage.Train.Len()
	}
	assert.Equal(t, 8*16, total)

	// Validation and test grow with the seen classes.
	assert.Equal(t, 4*4, stream.Stages[0].Val.Len())
	assert.Equal(t, 8*4, stream.Stages[2].Val.Len())
	assert.Equal(t, 6*5, stream.Stages[1].Test.Len())

	old := stream.Stages[2].Val.Filter(func(label int32) bool { return int(label) < cfg.OldClasses(2) })
	assert.Equal(t, 6*4, old.Len())
}

// drain reads all batches of a loader.
func drain(t *testing.T, ds train.Dataset) (batches [][]*tensors.Tensor, labels [][]*tensors.Tensor) {
	ds.Reset()
	for {
		_, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		batches = append(batches, inputs)
		labels = append(labels, batchLabels)
	}
}

func TestDefaultLoader(t *testing.T) {
	src := Synthetic(3, 5, 8, 1)
	split := &Split{}
	for ii := range src.Len() {
		split.add(src.Images[ii], src.Labels[ii], ii%2 == 0)
	}
	ds := NewDefaultLoader("test", split, 4)
	assert.Equal(t, 4, ds.(BatchCounter).NumBatches())
	batches, labels := drain(t, ds)
	require.Len(t, batches, 4)
	assert.Equal(t, []int{4, 8, 8, 3}, batches[0][0].Shape().Dimensions)
	assert.Equal(t, []int{3, 8, 8, 3}, batches[3][0].Shape().Dimensions)
	assert.Equal(t, []int32{0, 0, 0, 0}, labels[0][0].Value())
	assert.Equal(t, []int32{12, 13, 14}, labels[3][1].Value())
	assert.Equal(t, []bool{true, false, true}, labels[3][2].Value())

	for _, value := range tensors.CopyFlatData[float32](batches[0][0]) {
		require.GreaterOrEqual(t, value, float32(0))
		require.LessOrEqual(t, value, float32(1))
	}
}

func TestContrastLoader(t *testing.T) {
	src := Synthetic(3, 5, 8, 1)
	split := &Split{}
	for ii := range src.Len() {
		split.add(src.Images[ii], src.Labels[ii], false)
	}
	ds := NewContrastLoader("test", split, LoaderConfig{BatchSize: 4, NumWorkers: 2, Seed: 7})
	assert.Equal(t, 3, ds.(BatchCounter).NumBatches())
	batches, labels := drain(t, ds)
	require.Len(t, batches, 3, "partial batches are dropped")
	seen := map[int32]bool{}
	for ii, inputs := range batches {
		require.Len(t, inputs, 2)
		assert.Equal(t, []int{4, 8, 8, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{4, 8, 8, 3}, inputs[1].Shape().Dimensions)
		for _, idx := range labels[ii][1].Value().([]int32) {
			assert.False(t, seen[idx], "index %d yielded twice", idx)
			seen[idx] = true
		}
	}

	// Smaller than a batch: a single batch with everything.
	small := &Split{}
	small.add(src.Images[0], 0, true)
	small.add(src.Images[1], 0, false)
	batches, _ = drain(t, NewContrastLoader("small", small, LoaderConfig{BatchSize: 4}))
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0][0].Shape().Dim(0))
}

func TestAugmenterKeepsSize(t *testing.T) {
	img := Synthetic(1, 1, 12, 1).Images[0]
	rng := rand.New(rand.NewPCG(1, 1))
	for range 20 {
		out := DefaultAugmenter().Apply(img, rng)
		assert.Equal(t, image.Rect(0, 0, 12, 12), out.Bounds())
	}
}

func TestLoadImageFolder(t *testing.T) {
	dir := t.TempDir()
	src := Synthetic(2, 3, 10, 1)
	for ii, img := range src.Images {
		classDir := path.Join(dir, src.ClassNames[src.Labels[ii]])
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		f, err := os.Create(path.Join(classDir, string(rune('a'+ii))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	loaded, err := LoadImageFolder(dir, 6, 3)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	assert.Equal(t, src.ClassNames, loaded.ClassNames)
	assert.Equal(t, 6, loaded.Len())
	for _, img := range loaded.Images {
		assert.Equal(t, image.Rect(0, 0, 6, 6), img.Bounds())
	}

	_, err = LoadImageFolder(path.Join(dir, "missing"), 6, 1)
	require.Error(t, err)
}

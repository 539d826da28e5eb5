package eval

import (
	"io"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHungarian(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	assert.Equal(t, []int{1, 0, 2}, Hungarian(cost))

	// Maximizing agreement by negating counts: cluster i is class (i+1)%3.
	cost = [][]float64{
		{0, -10, 0},
		{0, 0, -7},
		{-5, 0, -1},
	}
	assert.Equal(t, []int{1, 2, 0}, Hungarian(cost))
	assert.Nil(t, Hungarian(nil))
}

func TestClusterAccuracy(t *testing.T) {
	labels := []int32{0, 0, 1, 1, 2, 2, 3, 3}
	// Permuted cluster ids, one mistake in class 3.
	clusters := []int{2, 2, 0, 0, 3, 3, 1, 2}
	acc := ClusterAccuracy(labels, clusters, 2)
	assert.InDelta(t, 7.0/8, acc.All, 1e-9)
	assert.InDelta(t, 1.0, acc.Old, 1e-9)
	assert.InDelta(t, 3.0/4, acc.New, 1e-9)
	assert.Contains(t, acc.String(), "all=0.8750")

	acc = ClusterAccuracy(labels[:4], clusters[:4], 2)
	assert.Equal(t, 0.0, acc.New, "no new samples")
	assert.Equal(t, Accuracies{}, ClusterAccuracy(nil, nil, 2))
}

// blobs returns perClass normalized-ish samples around numClasses orthogonal directions.
func blobs(numClasses, perClass int, seed uint64) *Features {
	rng := rand.New(rand.NewPCG(seed, 1))
	features := &Features{}
	for class := range numClasses {
		for range perClass {
			vector := make([]float64, numClasses)
			for d := range vector {
				vector[d] = 0.05 * rng.NormFloat64()
			}
			vector[class] += 1
			features.Vectors = append(features.Vectors, vector)
			features.Labels = append(features.Labels, int32(class))
			features.Labelled = append(features.Labelled, false)
		}
	}
	return features
}

func TestKMeans(t *testing.T) {
	features := blobs(4, 10, 1)
	acc, err := KMeans(features, 4, 2, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, Accuracies{All: 1, Old: 1, New: 1}, acc)

	_, err = KMeans(features, 100, 2, DefaultConfig())
	require.Error(t, err)
}

func TestSemiSupKMeans(t *testing.T) {
	anchors := blobs(2, 5, 2)
	for ii := range anchors.Labelled {
		anchors.Labelled[ii] = true
	}
	// Anchors are 2-dimensional blobs embedded in the 3 class space.
	for ii, vector := range anchors.Vectors {
		anchors.Vectors[ii] = append(vector, 0)
	}
	unlabelled := blobs(3, 8, 3)
	acc, err := SemiSupKMeans(unlabelled, anchors, 3, 2, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, Accuracies{All: 1, Old: 1, New: 1}, acc)

	anchors.Labels[0] = 5
	_, err = SemiSupKMeans(unlabelled, anchors, 3, 2, DefaultConfig())
	require.Error(t, err)
}

// featureLoader yields fixed feature batches, with the ccd/data labels layout.
type featureLoader struct {
	batches [][][]float32
	labels  [][]int32
	next    int
}

func (ds *featureLoader) Name() string { return "features" }
func (ds *featureLoader) Reset()       { ds.next = 0 }
func (ds *featureLoader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.batches) {
		err = io.EOF
		return
	}
	batch := ds.batches[ds.next]
	mask := make([]bool, len(batch))
	index := make([]int32, len(batch))
	inputs = []*tensors.Tensor{tensors.FromValue(batch)}
	labels = []*tensors.Tensor{tensors.FromValue(ds.labels[ds.next]), tensors.FromValue(index), tensors.FromValue(mask)}
	ds.next++
	return
}

func TestCollect(t *testing.T) {
	loader := &featureLoader{
		batches: [][][]float32{{{3, 4}, {0, 2}}, {{-1, 0}}},
		labels:  [][]int32{{0, 1}, {1}},
	}
	extract := func(inputs []*tensors.Tensor) (*tensors.Tensor, error) { return inputs[0], nil }
	features, err := Collect(extract, loader)
	require.NoError(t, err)
	require.Equal(t, 3, features.Len())
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, features.Vectors[0], 1e-6)
	assert.InDeltaSlice(t, []float64{0, 1}, features.Vectors[1], 1e-6)
	assert.Equal(t, []int32{0, 1, 1}, features.Labels)
	assert.Equal(t, []bool{false, false, false}, features.Labelled)
}

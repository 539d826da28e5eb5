package stages

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/eval"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/models/dinohead"
	"github.com/gomlx/promptccd/models/gmp"
	"github.com/gomlx/promptccd/models/vit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyContext configures a 2-stage run over 4 classes (2 labelled) with a tiny backbone and head.
func tinyContext(epochs int) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		data.ParamLabelledClasses: 2,
		data.ParamClasses:         4,
		data.ParamNumStages:       1,
		data.ParamBatchSize:       8,
		data.ParamNumWorkers:      2,

		vit.ParamInputSize: 8,
		vit.ParamPatchSize: 4,
		vit.ParamEmbedDim:  8,
		vit.ParamDepth:     2,
		vit.ParamNumHeads:  2,
		vit.ParamMLPRatio:  2.0,

		dinohead.ParamOutDim:        16,
		dinohead.ParamNumLayers:     2,
		dinohead.ParamHiddenDim:     16,
		dinohead.ParamBottleneckDim: 8,

		gmp.ParamMaxIterations: 5,

		ParamEpochs:        epochs,
		ParamFitEvery:      1,
		ParamEvalEvery:     1,
		ParamSupConWeight:  []float64{0.35, 0},
		ParamGradFromBlock: 1,
	})
	return ctx
}

func tinyStream(t *testing.T) *data.Stream {
	trainSrc := data.Synthetic(4, 10, 8, 1)
	testSrc := data.Synthetic(4, 3, 8, 2)
	stream, err := data.NewStream(trainSrc, testSrc, data.StreamConfig{
		LabelledClasses: 2, TotalClasses: 4, NumStages: 1, PropTrainLabels: 0.8, ValFraction: 0.1,
	})
	require.NoError(t, err)
	return stream
}

func TestComponentCount(t *testing.T) {
	cfg := data.StreamConfig{LabelledClasses: 50, TotalClasses: 100, NumStages: 5}
	assert.Equal(t, 50, ComponentCount(cfg, 0, false))
	assert.Equal(t, 50, ComponentCount(cfg, 0, true))
	assert.Equal(t, 70, ComponentCount(cfg, 2, false))
	assert.Equal(t, 35, ComponentCount(cfg, 2, true))
	assert.Equal(t, 100, ComponentCount(cfg, 5, false))

	sc := StageContext{Index: 2, K: 70, LabelledClasses: 50, TotalClasses: 100, NumStages: 5}
	assert.Equal(t, 60, sc.OldClasses())
	assert.Equal(t, 70, sc.SeenClasses())
	assert.Contains(t, sc.String(), "stage 2")
}

func TestTrainConfig(t *testing.T) {
	ctx := tinyContext(3)
	cfg, err := TrainConfigFromContext(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.35, cfg.SupConWeight)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, DefaultFreeze, cfg.Freeze)

	cfg, err = TrainConfigFromContext(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.SupConWeight)

	_, err = TrainConfigFromContext(ctx, 2)
	require.ErrorContains(t, err, ParamSupConWeight)

	ctx.SetParam(ParamSupConWeight, []float64{1.5, 0})
	_, err = TrainConfigFromContext(ctx, 0)
	require.Error(t, err)

	assert.Equal(t, []float64{0.35, 0, 0, 0, 0, 0}, DefaultSupConWeights(5))
}

func TestMeter(t *testing.T) {
	var m meter
	assert.Equal(t, 0.0, m.mean())
	m.add(1, 2)
	m.add(4, 1)
	assert.InDelta(t, 2.0, m.mean(), 1e-9)
}

// recorder is a Checkpointer that records the saves.
type recorder struct {
	latest, best []int
	epoch        int
}

func (r *recorder) SaveLatest(stage int, backbone, head store.Params) error {
	r.latest = append(r.latest, r.epoch)
	return nil
}

func (r *recorder) SaveBest(stage int, backbone, head store.Params) error {
	r.best = append(r.best, r.epoch)
	return nil
}

func TestBestCheckpointGate(t *testing.T) {
	ctx := context.New()
	ctx.In(vit.Scope).VariableWithValue("cls_token", []float32{1, 2})
	ctx.In(dinohead.Scope).VariableWithValue("weights", []float32{3})
	rec := &recorder{}
	tr := &Trainer{model: &Model{Ctx: ctx}, stage: StageContext{K: 2, LabelledClasses: 2, TotalClasses: 4, NumStages: 1}, checkpoints: rec}
	result := &StageResult{BestEpoch: -1}
	for epoch, acc := range []float64{0.1, 0.05, 0.3, 0.2, 0.4} {
		rec.epoch = epoch
		require.NoError(t, tr.gate(epoch, acc, result))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, rec.latest)
	assert.Equal(t, []int{0, 2, 4}, rec.best)
	assert.Equal(t, 0.4, result.BestOldAcc)
	assert.Equal(t, 4, result.BestEpoch)
	assert.Equal(t, []float32{1, 2}, result.Backbone["/backbone/cls_token"].Value())
	assert.Equal(t, []float32{3}, result.ProjHead["/proj_head/weights"].Value())
}

func TestPrepareMissingCheckpoint(t *testing.T) {
	backend := backends.MustNew()
	ctx := tinyContext(1)
	st := store.New(t.TempDir(), "promptccd")
	_, _, err := Prepare(backend, ctx, nil, 1, st)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)

	_, _, err = Prepare(backend, ctx, nil, 1, nil)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)

	_, _, err = Prepare(backend, ctx, nil, 2, st)
	require.Error(t, err, "stage out of range")
}

// forward runs the unconditioned backbone and projection head of a model.
func forward(backend backends.Backend, model *Model, images *tensors.Tensor) []float32 {
	exec := context.NewExec(backend, model.Ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		out := model.Backbone.Forward(ctx, images, 0, gmp.None)
		return model.Head.Apply(ctx, out.Summary)
	})
	return tensors.CopyFlatData[float32](exec.Call(images)[0])
}

func TestRun(t *testing.T) {
	backend := backends.MustNew()
	ctx := tinyContext(2)
	stream := tinyStream(t)
	st := store.New(t.TempDir(), "promptccd")
	results, err := Run(backend, ctx, stream, st, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for stage, result := range results {
		assert.Equal(t, stage, result.Stage)
		require.Len(t, result.History, 2)
		for _, record := range result.History {
			assert.True(t, record.Refit)
			assert.True(t, record.Evaluated)
			assert.Greater(t, record.Loss, 0.0)
			assert.GreaterOrEqual(t, record.TrainAcc, 0.0)
			assert.LessOrEqual(t, record.TrainAcc, 1.0)
		}
		assert.Greater(t, result.History[0].LearningRate, result.History[1].LearningRate)
		assert.True(t, result.Mixture.Fitted())
		assert.NotEmpty(t, result.Backbone)
		assert.NotEmpty(t, result.ProjHead)
		assert.GreaterOrEqual(t, result.Test.All, 0.0)
		assert.LessOrEqual(t, result.Test.All, 1.0)

		for _, dir := range []string{st.LatestBackboneDir(stage), st.LatestHeadDir(stage), st.BestBackboneDir(stage),
			st.BestHeadDir(stage)} {
			_, err := os.Stat(dir)
			assert.NoError(t, err, "checkpoint %s", dir)
		}
		var summary Summary
		require.NoError(t, st.LoadSummary(stage, &summary))
		assert.Equal(t, result.Summary(), summary)
	}
	assert.Equal(t, 2, results[0].K)
	assert.Equal(t, 4, results[1].K)

	// Resuming at stage 1 from disk yields the same model as handing over the result of stage 0.
	fromResult, sc, err := Prepare(backend, ctx, results[0], 1, st)
	require.NoError(t, err)
	assert.Equal(t, 4, sc.K)
	assert.Equal(t, 4, fromResult.Mixture.NumComponents())
	fromDisk, _, err := Prepare(backend, ctx, nil, 1, st)
	require.NoError(t, err)
	images := toImages(stream.Stages[0].Test)
	want := forward(backend, fromResult, images)
	got := forward(backend, fromDisk, images)
	assert.Equal(t, want, got)

	// Resume a run.
	ctx.SetParam(ParamStartStage, 1)
	ctx.SetParam(ParamEpochs, 1)
	resumed, err := Run(backend, ctx, stream, st, nil)
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, 1, resumed[0].Stage)
}

func toImages(split *data.Split) *tensors.Tensor {
	loader := data.NewDefaultLoader("images", split, split.Len())
	_, inputs, _, err := loader.Yield()
	if err != nil {
		panic(err)
	}
	return inputs[0]
}

func TestEvaluateUsesAnchors(t *testing.T) {
	backend := backends.MustNew()
	ctx := tinyContext(1)
	stream := tinyStream(t)
	model, sc, err := Prepare(backend, ctx, nil, 0, nil)
	require.NoError(t, err)
	tr, err := NewTrainer(backend, model, sc, nil)
	require.NoError(t, err)

	// Unfitted mixture: plain features.
	acc, err := tr.Evaluate(stream.Stages[0].Test, stream.Stages[0].Anchors)
	require.NoError(t, err)
	assert.Equal(t, 0.0, acc.New, "no new classes in the initial stage")

	// Anchors with classes beyond the seen ones are rejected.
	bad := &data.Split{Images: stream.Stages[1].Test.Images[:1], Labels: []int32{3}, Labelled: []bool{true}}
	_, err = tr.Evaluate(stream.Stages[0].Test, bad)
	require.Error(t, err)

	// Fake evaluations drive the best tracking through Fit.
	tr.evaluateOld = func(*data.Split) (float64, error) { return 0.5, nil }
	result, err := tr.Fit(data.NewLoaders("stage-0", stream.Stages[0].Train, data.LoaderConfigFromContext(ctx)),
		stream.Stages[0].Val)
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.BestOldAcc)
	assert.Equal(t, 0, result.BestEpoch)
	assert.Equal(t, eval.Accuracies{}, result.Test, "set by Run only")
}

func TestFitContrastUnlabelledOnly(t *testing.T) {
	backend := backends.MustNew()
	ctx := tinyContext(1)
	ctx.SetParam(ParamContrastUnlabelledOnly, true)
	ctx.SetParam(ParamSupConWeight, []float64{0, 0})
	stream := tinyStream(t)
	model, sc, err := Prepare(backend, ctx, nil, 0, nil)
	require.NoError(t, err)
	tr, err := NewTrainer(backend, model, sc, nil)
	require.NoError(t, err)
	tr.evaluateOld = func(*data.Split) (float64, error) { return 0.5, nil }

	// Fewer labelled samples than a batch: every full batch keeps unlabelled samples for the unsupervised loss.
	train := stream.Stages[0].Train
	withLabels := func(labelled func(ii int) bool) *data.Split {
		split := &data.Split{Images: train.Images, Labels: train.Labels, Labelled: make([]bool, train.Len())}
		for ii := range split.Labelled {
			split.Labelled[ii] = labelled(ii)
		}
		return split
	}
	loaderCfg := data.LoaderConfigFromContext(ctx)
	mixed := withLabels(func(ii int) bool { return ii < loaderCfg.BatchSize-1 })
	result, err := tr.Fit(data.NewLoaders("mixed", mixed, loaderCfg), stream.Stages[0].Val)
	require.NoError(t, err)
	require.Len(t, result.History, 1)
	assert.Greater(t, result.History[0].Loss, 0.0)

	// All samples labelled: nothing is left for the unsupervised loss, and Fit fails on the first batch.
	allLabelled := withLabels(func(int) bool { return true })
	_, err = tr.Fit(data.NewLoaders("labelled", allLabelled, loaderCfg), stream.Stages[0].Val)
	require.ErrorContains(t, err, "no samples for the unsupervised contrastive loss")
}

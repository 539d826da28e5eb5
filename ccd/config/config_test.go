package config

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/gomlx/promptccd/ml/optimizers/momentum"
	"github.com/gomlx/promptccd/models/vit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	ctx := CreateDefaultContext()
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Stream.LabelledClasses)
	assert.Equal(t, 10, cfg.Stream.ClassesPerStage())
	assert.Equal(t, 16, cfg.Backbone.PatchSize)
	assert.Len(t, cfg.Train, 6)
	assert.Equal(t, 0.35, cfg.Train[0].SupConWeight)
	for _, train := range cfg.Train[1:] {
		assert.Equal(t, 0.0, train.SupConWeight)
	}
	assert.Equal(t, stages.DefaultFreeze, cfg.Train[0].Freeze)
	assert.Equal(t, "", cfg.RunID)

	// All defaults live in the root scope, where ParseContextSettings and ApplyYAML look them up.
	ctx.EnumerateParams(func(scope, key string, value any) {
		assert.Equal(t, context.RootScope, scope, "parameter %q", key)
	})
	_, found := ctx.GetParam(momentum.ParamWeightDecay)
	assert.True(t, found)
}

func TestApplyYAML(t *testing.T) {
	ctx := CreateDefaultContext()
	names, err := ApplyYAML(ctx, []byte(`
n_stage: 3
base_lr: 1
sup_con_weight: [0.5, 0, 0, 0]
freeze: [cls_token, blocks]
prompt_pool: false
embedding_key: mean
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"base_lr", "embedding_key", "freeze", "n_stage", "prompt_pool", "sup_con_weight"}, names)

	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Stream.NumStages)
	assert.Equal(t, 1.0, context.GetParamOr(ctx, momentum.ParamBaseLearningRate, 0.0))
	assert.Equal(t, 0.5, cfg.Train[0].SupConWeight)
	assert.Equal(t, []string{"cls_token", "blocks"}, cfg.Train[3].Freeze)
	assert.False(t, cfg.Backbone.PromptPool)
	assert.Equal(t, vit.EmbeddingMean, cfg.Backbone.EmbeddingKey)
}

func TestApplyYAMLErrors(t *testing.T) {
	ctx := CreateDefaultContext()
	_, err := ApplyYAML(ctx, []byte("not_a_param: 1\n"))
	require.ErrorContains(t, err, "not_a_param")

	// Wrong types leave the context untouched.
	_, err = ApplyYAML(ctx, []byte("batch_size: 64\nepochs: many\n"))
	require.ErrorContains(t, err, stages.ParamEpochs)
	assert.Equal(t, 128, context.GetParamOr(ctx, data.ParamBatchSize, 0))

	_, err = ApplyYAML(ctx, []byte("- 1\n- 2\n"))
	require.Error(t, err)

	_, err = LoadYAML(ctx, path.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	ctx := CreateDefaultContext()
	filePath := path.Join(t.TempDir(), "cifar100.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte("epochs: 10\nset_k_half: true\n"), 0644))
	names, err := LoadYAML(ctx, filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"epochs", "set_k_half"}, names)
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.SetKHalf)
	assert.Equal(t, 10, cfg.Train[2].Epochs)
}

func TestValidate(t *testing.T) {
	ctx := CreateDefaultContext()
	ctx.SetParam(stages.ParamSupConWeight, []float64{0.35, 0})
	_, err := FromContext(ctx)
	require.ErrorContains(t, err, stages.ParamSupConWeight)

	ctx = CreateDefaultContext()
	ctx.SetParam(data.ParamNumViews, 3)
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), data.ParamNumViews)

	ctx = CreateDefaultContext()
	ctx.SetParam(vit.ParamNumHeads, 7)
	cfg, err = FromContext(ctx)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	ctx = CreateDefaultContext()
	ctx.SetParam(stages.ParamStartStage, 6)
	cfg, err = FromContext(ctx)
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), stages.ParamStartStage)
}

func TestAssignRunID(t *testing.T) {
	ctx := CreateDefaultContext()
	id := AssignRunID(ctx)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, AssignRunID(ctx), "kept once assigned")

	ctx.SetParam(ParamRunID, "resume-me")
	assert.Equal(t, "resume-me", AssignRunID(ctx))
}

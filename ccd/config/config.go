// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the default hyperparameters of a PromptCCD run, loads overrides from YAML files and
// offers a typed, validated view of them.
//
// All hyperparameters live in the root scope of a context.Context, so they can also be overridden with the
// "-set" flag of ui/commandline.
package config

import (
	"maps"
	"os"
	"reflect"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/eval"
	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/gomlx/promptccd/ml/contrastive"
	"github.com/gomlx/promptccd/ml/optimizers/momentum"
	"github.com/gomlx/promptccd/models/dinohead"
	"github.com/gomlx/promptccd/models/gmp"
	"github.com/gomlx/promptccd/models/vit"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParamRunID identifies a run: checkpoints and reports are saved under save_path/run_id.
// If empty, AssignRunID generates one.
var ParamRunID = "run_id"

// CreateDefaultContext returns a context with the default hyperparameters: the CIFAR-100 setting with
// 50 labelled classes and 5 discovery stages of 10 new classes each, on a ViT-B/16 backbone.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamRunID:             "",
		stages.ParamModelName:  "promptccd",
		stages.ParamSavePath:   "~/work/promptccd",
		stages.ParamStartStage: 0,

		// Class stream.
		data.ParamClasses:         100,
		data.ParamLabelledClasses: 50,
		data.ParamNumStages:       5,
		data.ParamPropTrainLabels: 0.8,
		data.ParamValFraction:     0.1,
		data.ParamDataSeed:        0,
		data.ParamBatchSize:       128,
		data.ParamNumWorkers:      8,
		data.ParamNumViews:        contrastive.NumViews,
		stages.ParamPretrainedDir: "",

		// Backbone: prompts are inserted if prompt_pool is set.
		vit.ParamUseDinoV2:        false,
		vit.ParamInputSize:        224,
		vit.ParamPatchSize:        0, // Use the preset's.
		vit.ParamEmbedDim:         768,
		vit.ParamDepth:            12,
		vit.ParamNumHeads:         12,
		vit.ParamMLPRatio:         4.0,
		vit.ParamDropoutRate:      0.0,
		vit.ParamEmbeddingKey:     vit.EmbeddingCLS,
		vit.ParamHeadType:         vit.HeadToken,
		vit.ParamPromptPool:       true,
		vit.ParamTopK:             5,
		stages.ParamFreeze:        stages.DefaultFreeze,
		stages.ParamGradFromBlock: 11,

		// Projection head.
		dinohead.ParamOutDim:        65536,
		dinohead.ParamNumLayers:     3,
		dinohead.ParamHiddenDim:     2048,
		dinohead.ParamBottleneckDim: 256,

		// Gaussian mixture prompt.
		stages.ParamSetKHalf:        false,
		gmp.ParamMaxIterations:      100,
		gmp.ParamTolerance:          1e-4,
		gmp.ParamMinVariance:        1e-6,
		gmp.ParamSeed:               42,
		gmp.ParamInitSamples:        4096,
		gmp.ParamReplayPerComponent: 0,

		// Training.
		stages.ParamEpochs:                 200,
		stages.ParamFitEvery:               5,
		stages.ParamEvalEvery:              5,
		stages.ParamContrastUnlabelledOnly: false,
		stages.ParamSupConWeight:           stages.DefaultSupConWeights(5),
		stages.ParamTemperature:            1.0,
		stages.ParamSupConTemperature:      contrastive.DefaultSupConTemperature,
		momentum.ParamBaseLearningRate:     0.1,
		momentum.ParamMomentum:             0.9,
		momentum.ParamWeightDecay:          5e-5,

		// Evaluation.
		eval.ParamMaxIterations: 100,
		eval.ParamNumInit:       3,
		eval.ParamSeed:          0,
	})
	return ctx
}

// LoadYAML overrides the hyperparameters of ctx with the ones in the YAML file: a flat mapping of parameter
// names to values. Every parameter must already be defined in ctx (see CreateDefaultContext), and the value is
// decoded to the type of the current one, so "base_lr: 1" is a float and "sup_con_weight: [0.5, 0]" a
// []float64.
//
// It returns the names of the parameters set, sorted.
func LoadYAML(ctx *context.Context, filePath string) ([]string, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", filePath)
	}
	names, err := ApplyYAML(ctx, contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", filePath)
	}
	return names, nil
}

// ApplyYAML is like LoadYAML, but takes the contents of the file.
func ApplyYAML(ctx *context.Context, contents []byte) ([]string, error) {
	var nodes map[string]yaml.Node
	if err := yaml.Unmarshal(contents, &nodes); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	names := slices.Sorted(maps.Keys(nodes))
	values := make([]any, len(names))
	for ii, name := range names {
		current, found := ctx.GetParam(name)
		if !found {
			return nil, errors.Errorf("unknown parameter %q", name)
		}
		node := nodes[name]
		value := reflect.New(reflect.TypeOf(current))
		if err := node.Decode(value.Interface()); err != nil {
			return nil, errors.Wrapf(err, "parameter %q (line %d) must be a %T", name, node.Line, current)
		}
		values[ii] = value.Elem().Interface()
	}
	// Only change ctx once all values are parsed.
	for ii, name := range names {
		ctx.SetParam(name, values[ii])
	}
	return names, nil
}

// AssignRunID sets ParamRunID to a new random id if it is empty, and returns it.
func AssignRunID(ctx *context.Context) string {
	id := context.GetParamOr(ctx, ParamRunID, "")
	if id == "" {
		id = uuid.NewString()
		ctx.SetParam(ParamRunID, id)
	}
	return id
}

// Config is a typed view of the hyperparameters of a run. Create it with FromContext.
type Config struct {
	RunID, ModelName, SavePath, PretrainedDir string
	StartStage                                int

	Stream   data.StreamConfig
	Loader   data.LoaderConfig
	NumViews int

	Backbone *vit.Config
	Head     *dinohead.Config
	SetKHalf bool
	KMeans   eval.Config

	// Train holds the training configuration of each stage, the initial one included.
	Train []stages.TrainConfig
}

// FromContext reads the configuration of a run from the hyperparameters in ctx.
// It fails if the training configuration of a stage can't be read: use Validate for the other checks.
func FromContext(ctx *context.Context) (Config, error) {
	cfg := Config{
		RunID:         context.GetParamOr(ctx, ParamRunID, ""),
		ModelName:     context.GetParamOr(ctx, stages.ParamModelName, "promptccd"),
		SavePath:      context.GetParamOr(ctx, stages.ParamSavePath, ""),
		PretrainedDir: context.GetParamOr(ctx, stages.ParamPretrainedDir, ""),
		StartStage:    context.GetParamOr(ctx, stages.ParamStartStage, 0),
		Stream:        data.StreamConfigFromContext(ctx),
		Loader:        data.LoaderConfigFromContext(ctx),
		NumViews:      context.GetParamOr(ctx, data.ParamNumViews, contrastive.NumViews),
		Backbone:      vit.New(ctx),
		Head:          dinohead.New(ctx),
		SetKHalf:      context.GetParamOr(ctx, stages.ParamSetKHalf, false),
		KMeans:        eval.ConfigFromContext(ctx),
	}
	for stage := 0; stage <= max(cfg.Stream.NumStages, 0); stage++ {
		train, err := stages.TrainConfigFromContext(ctx, stage)
		if err != nil {
			return cfg, errors.WithMessagef(err, "stage %d", stage)
		}
		cfg.Train = append(cfg.Train, train)
	}
	return cfg, nil
}

// Validate checks the configuration is consistent.
func (cfg Config) Validate() error {
	if err := cfg.Stream.Validate(cfg.Stream.TotalClasses); err != nil {
		return err
	}
	if err := cfg.Backbone.Validate(); err != nil {
		return err
	}
	switch {
	case cfg.ModelName == "":
		return errors.Errorf("%q must be set", stages.ParamModelName)
	case cfg.StartStage < 0 || cfg.StartStage > cfg.Stream.NumStages:
		return errors.Errorf("%q=%d out of range [0, %d]", stages.ParamStartStage, cfg.StartStage,
			cfg.Stream.NumStages)
	case cfg.NumViews != contrastive.NumViews:
		return errors.Errorf("%q=%d not supported, only %d views", data.ParamNumViews, cfg.NumViews,
			contrastive.NumViews)
	case cfg.Loader.NumWorkers < 1:
		return errors.Errorf("%q must be >= 1, got %d", data.ParamNumWorkers, cfg.Loader.NumWorkers)
	case cfg.Backbone.TopK < 1:
		return errors.Errorf("%q must be >= 1, got %d", vit.ParamTopK, cfg.Backbone.TopK)
	case cfg.Head.OutDim < 1 || cfg.Head.NumLayers < 1:
		return errors.Errorf("%q and %q must be >= 1", dinohead.ParamOutDim, dinohead.ParamNumLayers)
	case len(cfg.Train) != cfg.Stream.NumStages+1:
		return errors.Errorf("expected the training configuration of %d stages, got %d", cfg.Stream.NumStages+1,
			len(cfg.Train))
	}
	for stage, train := range cfg.Train {
		if err := train.Validate(); err != nil {
			return errors.WithMessagef(err, "stage %d", stage)
		}
	}
	return nil
}

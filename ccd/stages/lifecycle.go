// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages runs continual category discovery stage by stage: Prepare builds the model of a stage from
// the result of the previous one, Trainer.Fit trains it with the mixture prompt and the dual contrastive loss,
// Trainer.Evaluate measures the final clustering accuracy and Run chains all of them over a data stream.
package stages

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/eval"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/models/dinohead"
	"github.com/gomlx/promptccd/models/gmp"
	"github.com/gomlx/promptccd/models/vit"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamSetKHalf halves the number of mixture components of the discovery stages.
	ParamSetKHalf = "set_k_half"

	// ParamPretrainedDir is a checkpoint directory with the backbone variables to start the initial stage
	// from. If empty the backbone is randomly initialized.
	ParamPretrainedDir = "pretrained_dir"

	// ParamStartStage is the first stage run by Run. Stages after the first are resumed from the best
	// checkpoint of the previous stage.
	ParamStartStage = "start_stage"

	// ParamModelName prefixes the checkpoint directories.
	ParamModelName = "model_name"

	// ParamSavePath is where checkpoints and reports are written.
	ParamSavePath = "save_path"
)

var (
	backboneScope = context.ScopeSeparator + vit.Scope
	headScope     = context.ScopeSeparator + dinohead.Scope
)

// StageContext describes one stage. It is created by Prepare and never changed.
type StageContext struct {
	Index int

	// K is the number of mixture components.
	K int

	LabelledClasses, TotalClasses, NumStages int
}

// stream returns the class split configuration the stage context was derived from.
func (sc StageContext) stream() data.StreamConfig {
	return data.StreamConfig{
		LabelledClasses: sc.LabelledClasses,
		TotalClasses:    sc.TotalClasses,
		NumStages:       sc.NumStages,
	}
}

// OldClasses is the number of classes seen before the stage: classes with a smaller id are "old".
func (sc StageContext) OldClasses() int { return sc.stream().OldClasses(sc.Index) }

// SeenClasses is the number of classes seen up to and including the stage.
func (sc StageContext) SeenClasses() int { return sc.stream().SeenClasses(sc.Index) }

// String implements fmt.Stringer.
func (sc StageContext) String() string {
	return fmt.Sprintf("stage %d (K=%d, %d old / %d seen classes)", sc.Index, sc.K, sc.OldClasses(), sc.SeenClasses())
}

// Model of one stage.
type Model struct {
	// Ctx holds the hyperparameters and the variables: backbone under "/backbone", projection head under
	// "/proj_head" and the optimizer state.
	Ctx *context.Context

	Backbone *vit.Config
	Head     *dinohead.Config

	// Mixture prompt of the stage, unfitted.
	Mixture *gmp.Mixture
}

// StageResult is what a stage hands over to the next one.
type StageResult struct {
	Stage, K int

	// Backbone and ProjHead are the best parameters of the stage, by old classes accuracy.
	Backbone, ProjHead store.Params

	// Mixture as last fitted during the stage.
	Mixture *gmp.Mixture

	BestOldAcc float64
	BestEpoch  int

	History []EpochRecord

	// Test accuracies of the final semi-supervised evaluation, set by Run.
	Test eval.Accuracies
}

// ComponentCount returns the number of mixture components of a stage: the number of labelled classes plus
// the new classes introduced by each discovery stage so far, halved if set_k_half is set.
func ComponentCount(cfg data.StreamConfig, stage int, half bool) int {
	k := cfg.LabelledClasses
	if stage > 0 {
		k += stage * ((cfg.TotalClasses - cfg.LabelledClasses) / cfg.NumStages)
		if half {
			k /= 2
		}
	}
	return k
}

// Prepare builds the model of the given stage.
//
// For the initial stage (with no previous result) the backbone is loaded from pretrained_dir, if set, and
// otherwise randomly initialized. For later stages the best parameters of stage-1 are taken from prev, or if
// prev is nil, loaded from the best checkpoints in st: a missing checkpoint returns an error wrapping
// fs.ErrNotExist.
//
// The mixture is always created fresh, with ComponentCount components. ctx holds the hyperparameters, it
// is not changed.
func Prepare(backend backends.Backend, ctx *context.Context, prev *StageResult, stage int, st *store.Store) (
	*Model, StageContext, error) {
	streamCfg := data.StreamConfigFromContext(ctx)
	if stage < 0 || stage > streamCfg.NumStages {
		return nil, StageContext{}, errors.Errorf("stage %d out of range [0, %d]", stage, streamCfg.NumStages)
	}
	sc := StageContext{
		Index:           stage,
		K:               ComponentCount(streamCfg, stage, context.GetParamOr(ctx, ParamSetKHalf, false)),
		LabelledClasses: streamCfg.LabelledClasses,
		TotalClasses:    streamCfg.TotalClasses,
		NumStages:       streamCfg.NumStages,
	}
	if sc.K < 1 {
		return nil, sc, errors.Errorf("%s has no mixture components", sc)
	}

	model := &Model{
		Ctx:      newModelContext(ctx),
		Backbone: vit.New(ctx),
		Head:     dinohead.New(ctx),
	}
	if err := model.Backbone.Validate(); err != nil {
		return nil, sc, err
	}

	switch {
	case prev != nil:
		if prev.Stage != stage-1 {
			return nil, sc, errors.Errorf("preparing stage %d with the result of stage %d", stage, prev.Stage)
		}
		klog.V(1).Infof("stage %d: starting from the best parameters of stage %d (old acc %.4f)",
			stage, prev.Stage, prev.BestOldAcc)
		if err := restore(model.Ctx, prev.Backbone, prev.ProjHead); err != nil {
			return nil, sc, err
		}
	case stage > 0:
		if st == nil {
			return nil, sc, errors.Wrapf(fs.ErrNotExist, "no checkpoint store to load stage %d from", stage-1)
		}
		backbone, head, err := st.LoadBest(stage - 1)
		if err != nil {
			return nil, sc, err
		}
		klog.Infof("stage %d: loaded best model and projection head of stage %d from %s", stage, stage-1, st.Dir)
		if err = restore(model.Ctx, backbone, head); err != nil {
			return nil, sc, err
		}
	default:
		if err := loadPretrained(model.Ctx); err != nil {
			return nil, sc, err
		}
	}

	model.Mixture = gmp.New(backend, sc.K, stage).FromContext(ctx)
	if prev != nil {
		model.Mixture.Replay(prev.Mixture)
	}
	return model, sc, nil
}

// newModelContext creates an empty context with a copy of the hyperparameters of ctx.
func newModelContext(ctx *context.Context) *context.Context {
	modelCtx := context.New()
	ctx.EnumerateParams(func(scope, key string, value any) {
		modelCtx.InAbsPath(scope).SetParam(key, value)
	})
	return modelCtx
}

func restore(ctx *context.Context, backbone, head store.Params) error {
	if len(backbone) == 0 {
		return errors.New("previous stage has no backbone parameters")
	}
	if err := store.Restore(ctx, backbone); err != nil {
		return errors.WithMessage(err, "restoring backbone")
	}
	if err := store.Restore(ctx, head); err != nil {
		return errors.WithMessage(err, "restoring projection head")
	}
	return nil
}

// loadPretrained loads the backbone variables of the checkpoint in pretrained_dir, if set.
func loadPretrained(ctx *context.Context) error {
	dir := context.GetParamOr(ctx, ParamPretrainedDir, "")
	if dir == "" {
		klog.Warningf("%q not set: the backbone is randomly initialized", ParamPretrainedDir)
		return nil
	}
	params, err := store.Load(dir)
	if err != nil {
		return errors.WithMessagef(err, "loading pretrained backbone")
	}
	backbone := make(store.Params)
	for key, value := range params {
		if strings.HasPrefix(key, backboneScope+context.ScopeSeparator) {
			backbone[key] = value
		}
	}
	if len(backbone) == 0 {
		return errors.Errorf("pretrained checkpoint %q has no variables under %q", dir, backboneScope)
	}
	klog.Infof("loaded %d pretrained backbone variables from %s", len(backbone), dir)
	return store.Restore(ctx, backbone)
}

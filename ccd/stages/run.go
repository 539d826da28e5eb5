// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Summary of a stage, as saved in YAML next to its checkpoints.
type Summary struct {
	Stage      int           `yaml:"stage"`
	K          int           `yaml:"k"`
	BestOldAcc float64       `yaml:"best_old_acc"`
	BestEpoch  int           `yaml:"best_epoch"`
	Test       TestSummary   `yaml:"test"`
	History    []EpochRecord `yaml:"history"`
}

// TestSummary holds the final test accuracies of a stage.
type TestSummary struct {
	All float64 `yaml:"all"`
	Old float64 `yaml:"old"`
	New float64 `yaml:"new"`
}

// Summary of the result.
func (r *StageResult) Summary() Summary {
	return Summary{
		Stage:      r.Stage,
		K:          r.K,
		BestOldAcc: r.BestOldAcc,
		BestEpoch:  r.BestEpoch,
		Test:       TestSummary{All: r.Test.All, Old: r.Test.Old, New: r.Test.New},
		History:    r.History,
	}
}

// Run trains the stages of the stream in order, from the stage in start_stage on, handing the result of
// each stage to the next. After each stage the final model is evaluated on the stage's test split, and a
// summary is saved to st (if not nil).
//
// If start_stage > 0 the best checkpoint of the previous stage is loaded from st.
// It returns the results of the stages run.
func Run(backend backends.Backend, ctx *context.Context, stream *data.Stream, st *store.Store, progress Progress) (
	[]*StageResult, error) {
	start := context.GetParamOr(ctx, ParamStartStage, 0)
	if start < 0 || start >= len(stream.Stages) {
		return nil, errors.Errorf("%q=%d out of range, the stream has %d stages", ParamStartStage, start,
			len(stream.Stages))
	}
	loaderCfg := data.LoaderConfigFromContext(ctx)
	var (
		results []*StageResult
		prev    *StageResult
	)
	for stageIdx := start; stageIdx < len(stream.Stages); stageIdx++ {
		stage := stream.Stages[stageIdx]
		model, sc, err := Prepare(backend, ctx, prev, stageIdx, st)
		if err != nil {
			return results, errors.WithMessagef(err, "preparing stage %d", stageIdx)
		}
		var checkpoints Checkpointer
		if st != nil {
			checkpoints = st
		}
		trainer, err := NewTrainer(backend, model, sc, checkpoints)
		if err != nil {
			return results, err
		}
		trainer.Progress = progress
		klog.Infof("%s: %d training samples (%d labelled), %d validation, %d test", sc, stage.Train.Len(),
			stage.Train.NumLabelled(), stage.Val.Len(), stage.Test.Len())

		loaders := data.NewLoaders(fmt.Sprintf("stage-%d", stageIdx), stage.Train, loaderCfg)
		result, err := trainer.Fit(loaders, stage.Val)
		if err != nil {
			return results, err
		}
		result.Test, err = trainer.Evaluate(stage.Test, stage.Anchors)
		if err != nil {
			return results, err
		}
		if st != nil {
			if err = st.SaveSummary(stageIdx, result.Summary()); err != nil {
				return results, err
			}
		}
		results = append(results, result)
		prev = result
	}
	return results, nil
}

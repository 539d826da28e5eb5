// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store saves and loads the parameters of the stages of a run.
//
// Parameters are passed around as Params, host copies of the variables of one context scope. Each checkpoint
// directory is a GoMLX checkpoint (see package checkpoints) holding the variables of one scope, named after the
// stage and role:
//
//	{dir}/{model}_stage_{i}_model            latest backbone
//	{dir}/{model}_stage_{i}_model_proj_head  latest projection head
//	{dir}/{model}_stage_{i}_model_best       best backbone
//	{dir}/{model}_stage_{i}_proj_head_best   best projection head
package store

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Params are host copies of variables values, keyed by their absolute scope and name
// (e.g. "/backbone/cls_token").
type Params map[string]*tensors.Tensor

// Keys returns the sorted keys.
func (p Params) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// Snapshot copies the values of all variables under the absolute scope (e.g. "/backbone").
func Snapshot(ctx *context.Context, scope string) Params {
	params := make(Params)
	prefix := strings.TrimSuffix(scope, context.ScopeSeparator)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() != prefix && !strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			return
		}
		params[v.ScopeAndName()] = tensors.FromAnyValue(v.Value().Value())
	})
	return params
}

// Restore sets the values of the variables in ctx, creating the ones that don't exist yet. Values are copied,
// params can be reused.
func Restore(ctx *context.Context, params Params) error {
	for _, key := range params.Keys() {
		scope, name := splitKey(key)
		if name == "" {
			return errors.Errorf("invalid parameter key %q", key)
		}
		value := tensors.FromAnyValue(params[key].Value())
		if v := ctx.InspectVariable(scope, name); v != nil {
			if !v.Shape().Equal(value.Shape()) {
				return errors.Errorf("parameter %q has shape %s, but variable is shaped %s", key, value.Shape(), v.Shape())
			}
			v.SetValue(value)
			continue
		}
		ctx.InAbsPath(scope).Checked(false).VariableWithValue(name, value)
	}
	return nil
}

// splitKey splits "/scope/sub/name" into "/scope/sub" and "name". Any prefix before the first scope separator
// (as used by checkpoint parameter names) is dropped.
func splitKey(key string) (scope, name string) {
	start := strings.Index(key, context.ScopeSeparator)
	if start < 0 {
		return "", ""
	}
	key = key[start:]
	last := strings.LastIndex(key, context.ScopeSeparator)
	scope, name = key[:last], key[last+1:]
	if scope == "" {
		scope = context.ScopeSeparator
	}
	return
}

func joinKey(scope, name string) string {
	return strings.TrimSuffix(scope, context.ScopeSeparator) + context.ScopeSeparator + name
}

// Save writes params as a checkpoint in dir, replacing whatever was there.
func Save(dir string, params Params) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing previous checkpoint in %q", dir)
	}
	ctx := context.New()
	if err := Restore(ctx, params); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", dir)
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).ExcludeParams().Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", dir)
	}
	return nil
}

// Load reads the checkpoint in dir. If it doesn't exist the error wraps fs.ErrNotExist.
func Load(dir string) (Params, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %q", dir)
	}
	ctx := context.New()
	handler, err := checkpoints.Build(ctx).Dir(dir).ExcludeParams().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	loaded := handler.LoadedVariables()
	if len(loaded) == 0 {
		return nil, errors.Wrapf(fs.ErrNotExist, "no variables saved in checkpoint %q", dir)
	}
	params := make(Params, len(loaded))
	for key, value := range loaded {
		scope, name := splitKey(key)
		if scope == context.RootScope && name == optimizers.GlobalStepVariableName {
			// Written by the checkpoint handler itself, it is not part of the saved scope.
			continue
		}
		params[joinKey(scope, name)] = value
	}
	return params, nil
}

// Store names and writes the checkpoints of a run.
type Store struct {
	// Dir where the checkpoint directories are created, usually "{save_path}/model".
	Dir string

	// ModelName prefixes every checkpoint directory.
	ModelName string
}

// New creates a store writing to "{savePath}/model".
func New(savePath, modelName string) *Store {
	return &Store{Dir: path.Join(savePath, "model"), ModelName: modelName}
}

func (s *Store) stagePath(stage int, suffix string) string {
	return path.Join(s.Dir, fmt.Sprintf("%s_stage_%d_%s", s.ModelName, stage, suffix))
}

// LatestBackboneDir of the stage.
func (s *Store) LatestBackboneDir(stage int) string { return s.stagePath(stage, "model") }

// LatestHeadDir of the stage.
func (s *Store) LatestHeadDir(stage int) string { return s.stagePath(stage, "model_proj_head") }

// BestBackboneDir of the stage.
func (s *Store) BestBackboneDir(stage int) string { return s.stagePath(stage, "model_best") }

// BestHeadDir of the stage.
func (s *Store) BestHeadDir(stage int) string { return s.stagePath(stage, "proj_head_best") }

// SummaryPath of the stage.
func (s *Store) SummaryPath(stage int) string { return s.stagePath(stage, "summary.yaml") }

// SaveLatest writes the latest backbone and projection head of the stage.
func (s *Store) SaveLatest(stage int, backbone, head Params) error {
	return s.savePair(s.LatestBackboneDir(stage), s.LatestHeadDir(stage), backbone, head)
}

// SaveBest writes the best backbone and projection head of the stage.
func (s *Store) SaveBest(stage int, backbone, head Params) error {
	return s.savePair(s.BestBackboneDir(stage), s.BestHeadDir(stage), backbone, head)
}

func (s *Store) savePair(backboneDir, headDir string, backbone, head Params) error {
	if err := Save(backboneDir, backbone); err != nil {
		return err
	}
	if err := Save(headDir, head); err != nil {
		return err
	}
	klog.V(1).Infof("saved %q and %q", backboneDir, headDir)
	return nil
}

// LoadBest reads the best backbone and projection head of the stage. Missing checkpoints return an error
// wrapping fs.ErrNotExist.
func (s *Store) LoadBest(stage int) (backbone, head Params, err error) {
	backbone, err = Load(s.BestBackboneDir(stage))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loading best backbone of stage %d", stage)
	}
	head, err = Load(s.BestHeadDir(stage))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loading best projection head of stage %d", stage)
	}
	return
}

// SaveSummary writes a YAML summary (e.g. accuracies and training history) of the stage.
func (s *Store) SaveSummary(stage int, summary any) error {
	contents, err := yaml.Marshal(summary)
	if err != nil {
		return errors.Wrapf(err, "encoding summary of stage %d", stage)
	}
	if err = os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", s.Dir)
	}
	if err = os.WriteFile(s.SummaryPath(stage), contents, 0o644); err != nil {
		return errors.Wrapf(err, "writing summary of stage %d", stage)
	}
	return nil
}

// LoadSummary reads the YAML summary of the stage into summary.
func (s *Store) LoadSummary(stage int, summary any) error {
	contents, err := os.ReadFile(s.SummaryPath(stage))
	if err != nil {
		return errors.Wrapf(err, "reading summary of stage %d", stage)
	}
	return errors.Wrapf(yaml.Unmarshal(contents, summary), "decoding summary of stage %d", stage)
}

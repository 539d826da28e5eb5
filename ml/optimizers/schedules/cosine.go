// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedules implements learning rate schedules stepped from the host, once per epoch.
//
// The schedules write the learning rate variable used by the optimizers (see optimizers.LearningRateVar),
// so they work with any optimizer that reads it at every step.
package schedules

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultMinFactor is the fraction of the base learning rate used as the minimum by NewCosineAnnealing.
const DefaultMinFactor = 1e-3

// CosineAnnealing anneals the learning rate from Base to Min following half a cosine period over TMax epochs:
//
//	lr(epoch) = Min + (Base - Min) * (1 + cos(pi * epoch / TMax)) / 2
//
// After TMax epochs it stays at Min.
type CosineAnnealing struct {
	Base, Min float64
	TMax      int
}

// NewCosineAnnealing returns a schedule over epochs, with minimum learning rate `base * DefaultMinFactor`.
func NewCosineAnnealing(base float64, epochs int) *CosineAnnealing {
	return &CosineAnnealing{Base: base, Min: base * DefaultMinFactor, TMax: epochs}
}

// At returns the learning rate for the given (0-based) epoch.
func (s *CosineAnnealing) At(epoch int) float64 {
	if s.TMax <= 0 || epoch >= s.TMax {
		return s.Min
	}
	if epoch <= 0 {
		return s.Base
	}
	return s.Min + (s.Base-s.Min)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

// Step sets the learning rate variable in ctx to the value for the given epoch and returns it.
// The variable is created if it doesn't exist yet, with the given dtype.
func (s *CosineAnnealing) Step(ctx *context.Context, dtype dtypes.DType, epoch int) (float64, error) {
	lr := s.At(epoch)
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, lr)
	if lrVar.Shape().DType != dtype {
		return 0, errors.Errorf("learning rate variable has dtype %s, schedule was asked for %s",
			lrVar.Shape().DType, dtype)
	}
	lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, dtype)))
	return lr, nil
}

// Current returns the value currently in the learning rate variable of ctx, or the epoch 0 value if it
// was not created yet.
func (s *CosineAnnealing) Current(ctx *context.Context) float64 {
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtypes.Float32, s.Base)
	return shapes.CastAsDType(lrVar.Value().Value(), dtypes.Float64).(float64)
}

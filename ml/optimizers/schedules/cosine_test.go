package schedules

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealingAt(t *testing.T) {
	s := NewCosineAnnealing(0.1, 10)
	assert.InDelta(t, 1e-4, s.Min, 1e-12)
	assert.InDelta(t, 0.1, s.At(0), 1e-12)
	assert.InDelta(t, (0.1+1e-4)/2, s.At(5), 1e-12)
	assert.InDelta(t, 1e-4, s.At(10), 1e-12)
	assert.InDelta(t, 1e-4, s.At(25), 1e-12)
	want := 1e-4 + (0.1-1e-4)*(1+math.Cos(math.Pi*3/10))/2
	assert.InDelta(t, want, s.At(3), 1e-12)

	// Monotonically non-increasing over the period.
	for epoch := 1; epoch <= 10; epoch++ {
		assert.LessOrEqual(t, s.At(epoch), s.At(epoch-1))
	}
}

func TestCosineAnnealingStep(t *testing.T) {
	ctx := context.New()
	s := NewCosineAnnealing(0.2, 4)
	assert.InDelta(t, 0.2, s.Current(ctx), 1e-7)

	lr, err := s.Step(ctx, dtypes.Float32, 2)
	require.NoError(t, err)
	assert.InDelta(t, s.At(2), lr, 1e-12)
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtypes.Float32, 0)
	assert.InDelta(t, s.At(2), float64(tensors.ToScalar[float32](lrVar.Value())), 1e-7)
	assert.InDelta(t, s.At(2), s.Current(ctx), 1e-7)
}

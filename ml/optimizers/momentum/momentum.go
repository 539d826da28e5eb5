// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with (heavy-ball) momentum and L2 weight decay,
// as an optimizers.Interface.
//
// For each trainable variable w with gradient g, one step is:
//
//	g' = g + weightDecay * w
//	velocity = momentum * velocity + g'
//	w = w - learningRate * velocity
//
// The velocity starts at zero, so the first step is a plain SGD step.
// The learning rate is read from the optimizers learning rate variable every step, so schedules that
// update it (in graph or from the host) take effect immediately.
package momentum

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

const (
	// DefaultScope is where the velocity variables are stored.
	DefaultScope = "momentum_sgd"

	// DefaultLearningRate is used if no learning rate is configured.
	DefaultLearningRate = 0.1
)

var (
	// ParamMomentum is the context parameter with the momentum factor.
	ParamMomentum = "momentum"

	// ParamWeightDecay is the context parameter with the L2 weight decay.
	ParamWeightDecay = "weight_decay"

	// ParamBaseLearningRate is the context parameter with the initial learning rate.
	ParamBaseLearningRate = "base_lr"
)

// Config of the momentum SGD optimizer. Create it with New, and call Done to get the optimizer.
type Config struct {
	scopeName    string
	learningRate float64
	momentum     float64
	weightDecay  float64
}

// New returns a configuration with momentum 0.9, no weight decay and the default learning rate.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: DefaultLearningRate,
		momentum:     0.9,
	}
}

// FromContext reads ParamBaseLearningRate, ParamMomentum and ParamWeightDecay from the context, keeping
// the current values as defaults.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.learningRate = context.GetParamOr(ctx, ParamBaseLearningRate, c.learningRate)
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.weightDecay = context.GetParamOr(ctx, ParamWeightDecay, c.weightDecay)
	return c
}

// Scope sets the top-level scope for the velocity variables.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// LearningRate sets the initial learning rate, used when the learning rate variable is created.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Momentum sets the momentum factor, usually in [0, 1).
func (c *Config) Momentum(value float64) *Config {
	c.momentum = value
	return c
}

// WeightDecay sets the L2 weight decay added to the gradients.
func (c *Config) WeightDecay(value float64) *Config {
	c.weightDecay = value
	return c
}

// Done returns the optimizer.
func (c *Config) Done() optimizers.Interface {
	if c.momentum < 0 {
		Panicf("momentum must be >= 0, got %g", c.momentum)
	}
	if c.weightDecay < 0 {
		Panicf("weight decay must be >= 0, got %g", c.weightDecay)
	}
	return &optimizer{config: *c}
}

type optimizer struct {
	config Config
}

// UpdateGraph builds the graph to update the trainable variables for one training step.
// It implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, o.config.learningRate)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("momentum SGD: there are no trainable variables used by the loss")
	}
	numTrainable := len(grads)
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	})
	if varIdx != numTrainable {
		Panicf("BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"momentum SGD sees %d trainable variables: were variables created or their Trainable flag "+
			"changed in between?", numTrainable, varIdx)
	}
}

func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	value := v.ValueGraph(g)
	if o.config.weightDecay > 0 {
		grad = Add(grad, MulScalar(value, o.config.weightDecay))
	}
	step := grad
	if o.config.momentum > 0 {
		velocityVar := o.velocityVariable(ctx, v)
		velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.config.momentum), grad)
		velocityVar.SetValueGraph(velocity)
		step = velocity
	}
	lr := learningRate
	if lr.DType() != step.DType() {
		lr = ConvertDType(lr, step.DType())
	}
	step = optimizers.ClipStepByValue(ctx, Mul(step, lr))
	v.SetValueGraph(Sub(value, step))
}

// velocityVariable returns the velocity of the given trainable variable, creating it with zeros if needed.
func (o *optimizer) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	return ctx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", trainable.Shape()).SetTrainable(false)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dinohead implements the DINO projection head: an MLP with GELU activations down to a bottleneck,
// followed by L2-normalization and a weight-normalized linear layer (without bias) to the output dimension.
//
// Variables are created under the context scope Scope ("proj_head").
package dinohead

import (
	"strconv"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// Scope where the projection head variables are created.
const Scope = "proj_head"

var (
	// ParamOutDim is the output dimension of the head.
	ParamOutDim = "mlp_out_dim"

	// ParamNumLayers is the number of layers of the MLP, including the bottleneck projection. At least 1.
	ParamNumLayers = "num_mlp_layers"

	// ParamHiddenDim is the hidden dimension of the MLP.
	ParamHiddenDim = "mlp_hidden_dim"

	// ParamBottleneckDim is the dimension of the (normalized) bottleneck before the last layer.
	ParamBottleneckDim = "mlp_bottleneck_dim"
)

// Config of the projection head.
type Config struct {
	OutDim, NumLayers, HiddenDim, BottleneckDim int
}

// New creates the head configuration from the context hyperparameters, with the DINO defaults.
func New(ctx *context.Context) *Config {
	return &Config{
		OutDim:        context.GetParamOr(ctx, ParamOutDim, 65536),
		NumLayers:     context.GetParamOr(ctx, ParamNumLayers, 3),
		HiddenDim:     context.GetParamOr(ctx, ParamHiddenDim, 2048),
		BottleneckDim: context.GetParamOr(ctx, ParamBottleneckDim, 256),
	}
}

// Apply the projection head to x shaped `[batchSize, inDim]`. It returns `[batchSize, OutDim]`.
func (cfg *Config) Apply(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 2 {
		Panicf("projection head input must be shaped [batchSize, inDim], got %s", x.Shape())
	}
	if cfg.NumLayers < 1 {
		Panicf("%s must be >= 1, got %d", ParamNumLayers, cfg.NumLayers)
	}
	ctx = ctx.In(Scope).Checked(false).WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	g := x.Graph()
	if cfg.NumLayers == 1 {
		x = layers.Dense(ctx.In("mlp").In("0"), x, true, cfg.BottleneckDim)
	} else {
		x = layers.Dense(ctx.In("mlp").In("0"), x, true, cfg.HiddenDim)
		x = activations.Gelu(x)
		for layer := 1; layer < cfg.NumLayers-1; layer++ {
			x = layers.Dense(ctx.In("mlp").In(strconv.Itoa(layer)), x, true, cfg.HiddenDim)
			x = activations.Gelu(x)
		}
		x = layers.Dense(ctx.In("mlp").In(strconv.Itoa(cfg.NumLayers-1)), x, true, cfg.BottleneckDim)
	}
	x = L2NormalizeWithEpsilon(x, 1e-12, -1)

	// Weight-normalized last layer: each output column has unit norm (the gain is fixed to 1).
	direction := ctx.In("last_layer").VariableWithShape("weights",
		shapes.Make(x.DType(), cfg.BottleneckDim, cfg.OutDim)).ValueGraph(g)
	direction = L2NormalizeWithEpsilon(direction, 1e-12, 0)
	return Einsum("bi,io->bo", x, direction)
}

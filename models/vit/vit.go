// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements the vision transformer backbone of the continual category discovery model.
//
// The forward pass accepts a gmp.Conditioning: when it carries mixture prompts, they are inserted as extra
// tokens right after the class token, before the transformer blocks.
//
// Variables are created under the context scope Scope ("backbone"), with the block structure encoded in the
// scope names (e.g. `/backbone/blocks/11/attn/...`), so they can be frozen selectively by their dotted
// names (see DottedNames and ApplyFreeze).
package vit

import (
	"math"
	"slices"
	"strconv"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/promptccd/models/gmp"
	"github.com/pkg/errors"
)

// Scope where the backbone variables are created.
const Scope = "backbone"

var (
	// ParamUseDinoV2 selects the DINOv2 preset (patch size 14) instead of DINO (patch size 16).
	ParamUseDinoV2 = "use_dinov2"

	// ParamInputSize is the (square) image size fed to the transformer: images are resized to it.
	ParamInputSize = "input_size"

	// ParamPatchSize overrides the patch size of the preset, if > 0.
	ParamPatchSize = "vit_patch_size"

	// ParamEmbedDim is the token dimension, also the feature dimension of the backbone.
	ParamEmbedDim = "vit_embed_dim"

	// ParamDepth is the number of transformer blocks.
	ParamDepth = "vit_depth"

	// ParamNumHeads is the number of attention heads. It must divide ParamEmbedDim.
	ParamNumHeads = "vit_num_heads"

	// ParamMLPRatio is the hidden dimension of the blocks MLP, as a multiple of ParamEmbedDim.
	ParamMLPRatio = "vit_mlp_ratio"

	// ParamDropoutRate is applied after attention and MLP, during training only.
	ParamDropoutRate = "vit_dropout_rate"

	// ParamEmbeddingKey selects the query features used by the mixture: "cls", "mean", "max" or "mean_max".
	ParamEmbeddingKey = "embedding_key"

	// ParamHeadType selects the summary features: "token", "gap", "prompt" or "token+prompt".
	ParamHeadType = "head_type"

	// ParamPromptPool enables the insertion of mixture prompts. If false conditioning is ignored.
	ParamPromptPool = "prompt_pool"

	// ParamTopK is the number of prompts (mixture components) selected per sample.
	ParamTopK = "top_k"
)

const (
	EmbeddingCLS     = "cls"
	EmbeddingMean    = "mean"
	EmbeddingMax     = "max"
	EmbeddingMeanMax = "mean_max"

	HeadToken       = "token"
	HeadGAP         = "gap"
	HeadPrompt      = "prompt"
	HeadTokenPrompt = "token+prompt"
)

// ImageNet normalization used by the DINO backbones.
var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

// Config of the backbone. Create it with New.
type Config struct {
	InputSize, PatchSize      int
	EmbedDim, Depth, NumHeads int
	MLPRatio, DropoutRate     float64
	EmbeddingKey, HeadType    string
	PromptPool                bool
	TopK                      int
}

// New creates the backbone configuration from the context hyperparameters, with ViT-B defaults.
func New(ctx *context.Context) *Config {
	cfg := &Config{
		InputSize:    context.GetParamOr(ctx, ParamInputSize, 224),
		EmbedDim:     context.GetParamOr(ctx, ParamEmbedDim, 768),
		Depth:        context.GetParamOr(ctx, ParamDepth, 12),
		NumHeads:     context.GetParamOr(ctx, ParamNumHeads, 12),
		MLPRatio:     context.GetParamOr(ctx, ParamMLPRatio, 4.0),
		DropoutRate:  context.GetParamOr(ctx, ParamDropoutRate, 0.0),
		EmbeddingKey: context.GetParamOr(ctx, ParamEmbeddingKey, EmbeddingCLS),
		HeadType:     context.GetParamOr(ctx, ParamHeadType, HeadToken),
		PromptPool:   context.GetParamOr(ctx, ParamPromptPool, true),
		TopK:         context.GetParamOr(ctx, ParamTopK, 5),
	}
	cfg.PatchSize = 16
	if context.GetParamOr(ctx, ParamUseDinoV2, false) {
		cfg.PatchSize = 14
	}
	if patch := context.GetParamOr(ctx, ParamPatchSize, 0); patch > 0 {
		cfg.PatchSize = patch
	}
	return cfg
}

// Validate checks the configuration is consistent.
func (cfg *Config) Validate() error {
	switch {
	case cfg.PatchSize <= 0 || cfg.InputSize%cfg.PatchSize != 0:
		return errors.Errorf("%s=%d must be a multiple of the patch size %d", ParamInputSize, cfg.InputSize, cfg.PatchSize)
	case cfg.NumHeads <= 0 || cfg.EmbedDim%cfg.NumHeads != 0:
		return errors.Errorf("%s=%d must be a multiple of %s=%d", ParamEmbedDim, cfg.EmbedDim, ParamNumHeads, cfg.NumHeads)
	case cfg.Depth <= 0:
		return errors.Errorf("%s must be > 0, got %d", ParamDepth, cfg.Depth)
	}
	if !slices.Contains([]string{EmbeddingCLS, EmbeddingMean, EmbeddingMax, EmbeddingMeanMax}, cfg.EmbeddingKey) {
		return errors.Errorf("unknown %s=%q", ParamEmbeddingKey, cfg.EmbeddingKey)
	}
	if !slices.Contains([]string{HeadToken, HeadGAP, HeadPrompt, HeadTokenPrompt}, cfg.HeadType) {
		return errors.Errorf("unknown %s=%q", ParamHeadType, cfg.HeadType)
	}
	return nil
}

// NumPatches returns the number of patch tokens.
func (cfg *Config) NumPatches() int {
	side := cfg.InputSize / cfg.PatchSize
	return side * side
}

// Output of the backbone forward pass.
type Output struct {
	// Tokens after the final normalization: `[batchSize, 1+numPrompts+numPatches, embedDim]`.
	Tokens *Node

	// Summary features selected by the head type: `[batchSize, embedDim]`.
	Summary *Node

	// NumPrompts inserted after the class token.
	NumPrompts int
}

// Forward runs the backbone on images shaped `[batchSize, height, width, 3]` with values in [0, 1].
//
// ctx is the model context: variables are created under its Scope sub-scope. If cond holds mixture prompts
// (and the prompt pool is enabled), they are inserted after the class token. cond must come from the mixture
// of the given stage.
//
// Variables are created on first use and reused afterwards, so Forward can be called more than once in the
// same graph (e.g. Query followed by the conditioned pass).
func (cfg *Config) Forward(ctx *context.Context, images *Node, stage int, cond gmp.Conditioning) Output {
	if cond.HasPrompts() && cond.Stage != stage {
		Panicf("backbone forward for stage %d conditioned on the mixture of stage %d", stage, cond.Stage)
	}
	ctx = ctx.In(Scope).Checked(false)
	g := images.Graph()
	x := cfg.embedPatches(ctx, preprocess(images, cfg.InputSize))
	batchSize := x.Shape().Dim(0)
	dtype := x.DType()

	clsVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
		VariableWithShape("cls_token", shapes.Make(dtype, 1, 1, cfg.EmbedDim))
	posVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
		VariableWithShape("pos_embed", shapes.Make(dtype, 1, 1+cfg.NumPatches(), cfg.EmbedDim))
	cls := BroadcastToDims(clsVar.ValueGraph(g), batchSize, 1, cfg.EmbedDim)
	x = Concatenate([]*Node{cls, x}, 1)
	x = Add(x, BroadcastToDims(posVar.ValueGraph(g), batchSize, 1+cfg.NumPatches(), cfg.EmbedDim))

	numPrompts := 0
	if cfg.PromptPool && cond.HasPrompts() {
		prompts := ConvertDType(cond.Prompts, dtype)
		if prompts.Shape().Dim(0) != batchSize || prompts.Shape().Dim(2) != cfg.EmbedDim {
			Panicf("prompts must be shaped [%d, topK, %d], got %s", batchSize, cfg.EmbedDim, prompts.Shape())
		}
		numPrompts = prompts.Shape().Dim(1)
		x = Concatenate([]*Node{
			Slice(x, AxisRange(), AxisRange(0, 1)),
			prompts,
			Slice(x, AxisRange(), AxisRange(1)),
		}, 1)
	}

	for block := range cfg.Depth {
		x = cfg.transformerBlock(ctx.In("blocks").In(strconv.Itoa(block)), x)
	}
	x = layerNorm(ctx.In("norm"), x)
	return Output{
		Tokens:     x,
		Summary:    cfg.summary(x, numPrompts),
		NumPrompts: numPrompts,
	}
}

// Query returns the features used to fit and query the mixture, shaped `[batchSize, embedDim]`: the
// unconditioned forward pass reduced according to the embedding key. Gradients are stopped.
func (cfg *Config) Query(ctx *context.Context, images *Node, stage int) *Node {
	out := cfg.Forward(ctx, images, stage, gmp.None)
	tokens := out.Tokens
	patches := Slice(tokens, AxisRange(), AxisRange(1))
	var features *Node
	switch cfg.EmbeddingKey {
	case EmbeddingMean:
		features = ReduceMean(patches, 1)
	case EmbeddingMax:
		features = ReduceMax(patches, 1)
	case EmbeddingMeanMax:
		features = Add(ReduceMax(patches, 1), MulScalar(ReduceMean(patches, 1), 2))
	default:
		features = Squeeze(Slice(tokens, AxisRange(), AxisElem(0)), 1)
	}
	return StopGradient(features)
}

// summary selects the features passed to the projection head.
func (cfg *Config) summary(tokens *Node, numPrompts int) *Node {
	cls := Squeeze(Slice(tokens, AxisRange(), AxisElem(0)), 1)
	switch cfg.HeadType {
	case HeadGAP:
		return ReduceMean(Slice(tokens, AxisRange(), AxisRange(1+numPrompts)), 1)
	case HeadPrompt:
		if numPrompts == 0 {
			return cls
		}
		return ReduceMean(Slice(tokens, AxisRange(), AxisRange(1, 1+numPrompts)), 1)
	case HeadTokenPrompt:
		return ReduceMean(Slice(tokens, AxisRange(), AxisRange(0, 1+numPrompts)), 1)
	default:
		return cls
	}
}

// preprocess resizes the images to inputSize and applies the ImageNet normalization.
func preprocess(images *Node, inputSize int) *Node {
	if images.Rank() != 4 || images.Shape().Dim(-1) != 3 {
		Panicf("images must be shaped [batchSize, height, width, 3], got %s", images.Shape())
	}
	g := images.Graph()
	if images.Shape().Dim(1) != inputSize || images.Shape().Dim(2) != inputSize {
		images = Interpolate(images, -1, inputSize, inputSize, -1).Done()
	}
	mean := ConvertDType(Reshape(Const(g, imageNetMean), 1, 1, 1, 3), images.DType())
	std := ConvertDType(Reshape(Const(g, imageNetStd), 1, 1, 1, 3), images.DType())
	return Div(Sub(images, mean), std)
}

// embedPatches splits the images in non-overlapping patches and projects them to the embedding dimension:
// `[batchSize, numPatches, embedDim]`.
func (cfg *Config) embedPatches(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dim(0)
	side := cfg.InputSize / cfg.PatchSize
	p := cfg.PatchSize
	x := Reshape(images, batchSize, side, p, side, p, 3)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	x = Reshape(x, batchSize, side*side, p*p*3)
	return layers.Dense(ctx.In("patch_embed"), x, true, cfg.EmbedDim)
}

// transformerBlock is a pre-norm block: attention and MLP, each with a residual connection.
func (cfg *Config) transformerBlock(ctx *context.Context, x *Node) *Node {
	headDim := cfg.EmbedDim / cfg.NumHeads
	residual := x
	h := layerNorm(ctx.In("norm1"), x)
	h = layers.MultiHeadAttention(ctx.In("attn"), h, h, h, cfg.NumHeads, headDim).
		SetOutputDim(cfg.EmbedDim).Done()
	h = layers.DropoutStatic(ctx, h, cfg.DropoutRate)
	x = Add(residual, h)

	residual = x
	h = layerNorm(ctx.In("norm2"), x)
	hiddenDim := int(math.Round(cfg.MLPRatio * float64(cfg.EmbedDim)))
	h = layers.Dense(ctx.In("mlp").In("fc1"), h, true, hiddenDim)
	h = activations.GeluApproximate(h)
	h = layers.Dense(ctx.In("mlp").In("fc2"), h, true, cfg.EmbedDim)
	h = layers.DropoutStatic(ctx, h, cfg.DropoutRate)
	return Add(residual, h)
}

// layerNorm normalizes the last axis, with a learned gain and offset shaped `[embedDim]`, shared by all tokens.
func layerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(1e-6).Done()
}

// DottedName converts a backbone variable scope and name to its dotted form, relative to the backbone
// scope, e.g. "blocks.11.attn.query.dense.weights". It returns false if the variable is not a backbone
// variable.
func DottedName(v *context.Variable) (string, bool) {
	prefix := context.ScopeSeparator + Scope
	scope := v.Scope()
	if scope != prefix && !strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(scope, prefix), context.ScopeSeparator)
	parts = slices.DeleteFunc(parts, func(s string) bool { return s == "" })
	parts = append(parts, v.Name())
	return strings.Join(parts, "."), true
}

// DottedNames returns the sorted dotted names of all backbone variables in ctx.
func DottedNames(ctx *context.Context) []string {
	var names []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		if name, ok := DottedName(v); ok {
			names = append(names, name)
		}
	})
	slices.Sort(names)
	return names
}

// ApplyFreeze marks as non-trainable the backbone variables whose dotted name starts with any of the freeze
// prefixes, and then marks as trainable again those in blocks with number >= gradFromBlock.
// It returns the number of trainable backbone variables.
//
// It must be called after the variables are created, and before gradients are computed: the step graph
// calls it right after the forward pass.
func ApplyFreeze(ctx *context.Context, freeze []string, gradFromBlock int) (numTrainable int) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		name, ok := DottedName(v)
		if !ok {
			return
		}
		trainable := true
		for _, prefix := range freeze {
			if prefix != "" && strings.HasPrefix(name, prefix) {
				trainable = false
				break
			}
		}
		if block, ok := BlockNumber(name); ok && block >= gradFromBlock {
			trainable = true
		}
		v.SetTrainable(trainable)
		if trainable {
			numTrainable++
		}
	})
	return
}

// BlockNumber returns the transformer block number of a dotted name like "blocks.3.mlp.fc1.dense.weights".
func BlockNumber(dottedName string) (int, bool) {
	parts := strings.SplitN(dottedName, ".", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "block") {
		return 0, false
	}
	block, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return block, true
}

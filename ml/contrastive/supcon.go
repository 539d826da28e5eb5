// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package contrastive implements the contrastive objectives used to train the continual category discovery
// model: the supervised contrastive loss (SupCon) and the InfoNCE pair construction.
//
// Both are plain graph functions: they take *Node inputs and build the computation in the graph of the inputs.
// Invalid configurations (shapes, incompatible options) panic with an exception, the usual GoMLX convention
// during graph building.
package contrastive

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ContrastModeAll uses every view of every sample as an anchor.
	ContrastModeAll = "all"

	// ContrastModeOne uses only the first view of each sample as an anchor.
	ContrastModeOne = "one"

	// DefaultSupConTemperature is the temperature (and base temperature) used by SupCon if none is set.
	DefaultSupConTemperature = 0.07
)

// SupConBuilder configures a supervised contrastive loss computation. Create it with SupCon and finish
// with Done.
type SupConBuilder struct {
	features, labels, mask, sampleMask *Node
	temperature, baseTemperature       float64
	contrastMode                       string
}

// SupCon returns a builder for the supervised contrastive loss described in "Supervised Contrastive Learning"
// (Khosla et al., https://arxiv.org/abs/2004.11362).
//
// features are shaped `[batchSize, numViews, ...]`: at least rank 3, and any axes after the second are
// flattened into the embedding axis. They are expected to be L2-normalized.
//
// If neither Labels nor Mask are set, it degenerates to the SimCLR unsupervised loss, where the only
// positives of a sample are its other views.
func SupCon(features *Node) *SupConBuilder {
	return &SupConBuilder{
		features:        features,
		temperature:     DefaultSupConTemperature,
		baseTemperature: DefaultSupConTemperature,
		contrastMode:    ContrastModeAll,
	}
}

// Labels sets the class of each sample, shaped `[batchSize]` (or `[batchSize, 1]`), any integer dtype.
// Samples with the same label are positives of each other. It can't be used with Mask.
func (b *SupConBuilder) Labels(labels *Node) *SupConBuilder {
	b.labels = labels
	return b
}

// Mask sets an explicit contrastive mask shaped `[batchSize, batchSize]`, where `mask[i, j]` is true (or 1)
// if sample j is a positive of sample i. It can be asymmetric. It can't be used with Labels.
func (b *SupConBuilder) Mask(mask *Node) *SupConBuilder {
	b.mask = mask
	return b
}

// SampleMask sets which samples of the batch take part in the loss, shaped `[batchSize]` of dtype Bool.
// Masked-out samples are neither anchors nor contrast candidates, which allows a statically shaped batch
// where only some of the samples (e.g. the labelled ones) are used.
func (b *SupConBuilder) SampleMask(sampleMask *Node) *SupConBuilder {
	b.sampleMask = sampleMask
	return b
}

// Temperature sets the softmax temperature. Default is 0.07.
func (b *SupConBuilder) Temperature(temperature float64) *SupConBuilder {
	b.temperature = temperature
	return b
}

// BaseTemperature sets the base temperature used to scale the loss by `temperature/baseTemperature`.
// Default is 0.07.
func (b *SupConBuilder) BaseTemperature(baseTemperature float64) *SupConBuilder {
	b.baseTemperature = baseTemperature
	return b
}

// ContrastMode sets which views are used as anchors: ContrastModeAll (default) or ContrastModeOne.
func (b *SupConBuilder) ContrastMode(mode string) *SupConBuilder {
	b.contrastMode = mode
	return b
}

// Done builds the loss graph and returns the scalar loss.
func (b *SupConBuilder) Done() *Node {
	loss, _ := b.DoneWithPositives()
	return loss
}

// DoneE is like Done, but returns configuration errors instead of panicking.
func (b *SupConBuilder) DoneE() (loss *Node, err error) {
	err = TryCatch[error](func() { loss = b.Done() })
	return
}

// DoneWithPositives builds the loss graph and returns the scalar loss and the minimum number of positives
// over the (valid) anchor rows, as an Int32 scalar.
//
// A minimum of 0 means some anchor had no positive: its term is undefined and it is zeroed in the loss,
// so callers should check it and fail instead of training on it.
func (b *SupConBuilder) DoneWithPositives() (loss, minPositives *Node) {
	features := b.features
	if features.Rank() < 3 {
		Panicf("SupCon: features must be shaped [batchSize, numViews, ...] (at least rank 3), got %s", features.Shape())
	}
	if features.Rank() > 3 {
		features = Reshape(features, features.Shape().Dim(0), features.Shape().Dim(1), -1)
	}
	if b.labels != nil && b.mask != nil {
		Panicf("SupCon: cannot define both labels and mask")
	}
	g := features.Graph()
	dtype := features.DType()
	batchSize := features.Shape().Dim(0)
	numViews := features.Shape().Dim(1)
	embedDim := features.Shape().Dim(2)

	// Sample-level positive mask, [batchSize, batchSize].
	var positives *Node
	switch {
	case b.labels != nil:
		labels := b.labels
		if labels.Rank() == 2 && labels.Shape().Dim(1) == 1 {
			labels = Reshape(labels, -1)
		}
		if labels.Rank() != 1 || labels.Shape().Dim(0) != batchSize {
			Panicf("SupCon: number of labels (shape %s) does not match number of features (batch size %d)",
				labels.Shape(), batchSize)
		}
		rowLabels := BroadcastToDims(ExpandAxes(labels, -1), batchSize, batchSize)
		colLabels := BroadcastToDims(ExpandAxes(labels, 0), batchSize, batchSize)
		positives = ConvertDType(Equal(rowLabels, colLabels), dtype)
	case b.mask != nil:
		if !b.mask.Shape().Equal(shapes.Make(b.mask.DType(), batchSize, batchSize)) {
			Panicf("SupCon: mask must be shaped [%d, %d], got %s", batchSize, batchSize, b.mask.Shape())
		}
		positives = ConvertDType(b.mask, dtype)
	default:
		positives = ConvertDType(Diagonal(g, batchSize), dtype)
	}

	// Contrast features are the views stacked view-major: row v*batchSize+i is view v of sample i.
	contrast := Reshape(Transpose(features, 0, 1), numViews*batchSize, embedDim)
	var anchors *Node
	var anchorCount int
	switch b.contrastMode {
	case ContrastModeAll:
		anchors = contrast
		anchorCount = numViews
	case ContrastModeOne:
		anchors = Reshape(Slice(features, AxisRange(), AxisElem(0), AxisRange()), batchSize, embedDim)
		anchorCount = 1
	default:
		Panicf("SupCon: unknown contrast mode %q, valid values are %q and %q",
			b.contrastMode, ContrastModeOne, ContrastModeAll)
	}
	numAnchors := anchorCount * batchSize
	numContrast := numViews * batchSize

	logits := DivScalar(Einsum("ad,cd->ac", anchors, contrast), b.temperature)
	logitsMax := StopGradient(ExpandAxes(ReduceMax(logits, -1), -1))
	logits = Sub(logits, logitsMax)

	// Tile the positives to [numAnchors, numContrast] and remove self-contrast.
	positives = Reshape(
		BroadcastToDims(Reshape(positives, 1, batchSize, 1, batchSize), anchorCount, batchSize, numViews, batchSize),
		numAnchors, numContrast)
	rowsIota := Iota(g, shapes.Make(dtypes.Int32, numAnchors, numContrast), 0)
	colsIota := Iota(g, shapes.Make(dtypes.Int32, numAnchors, numContrast), 1)
	logitsMask := ConvertDType(NotEqual(rowsIota, colsIota), dtype)

	var rowValid *Node
	if b.sampleMask != nil {
		if !b.sampleMask.Shape().Equal(shapes.Make(dtypes.Bool, batchSize)) {
			Panicf("SupCon: sample mask must be shaped [%d] of dtype Bool, got %s", batchSize, b.sampleMask.Shape())
		}
		valid := ConvertDType(b.sampleMask, dtype)
		rowValid = tileVector(valid, anchorCount)
		colValid := tileVector(valid, numViews)
		logitsMask = Mul(logitsMask, Mul(
			BroadcastToDims(ExpandAxes(rowValid, -1), numAnchors, numContrast),
			BroadcastToDims(ExpandAxes(colValid, 0), numAnchors, numContrast)))
	} else {
		rowValid = Ones(g, shapes.Make(dtype, numAnchors))
	}
	positives = Mul(positives, logitsMask)

	// Log-probabilities, excluding self-contrast from the partition function.
	// Invalid rows have an empty partition function: 1-rowValid keeps their log finite.
	expLogits := Mul(Exp(logits), logitsMask)
	partition := Add(ReduceSum(expLogits, -1), OneMinus(rowValid))
	logProb := Sub(logits, ExpandAxes(Log(partition), -1))

	positiveCount := ReduceSum(positives, -1)
	safeCount := Max(positiveCount, OnesLike(positiveCount))
	meanLogProbPos := Div(ReduceSum(Mul(positives, logProb), -1), safeCount)
	rowLoss := MulScalar(meanLogProbPos, -b.temperature/b.baseTemperature)
	rowLoss = Mul(rowLoss, rowValid)

	numValid := ReduceAllSum(rowValid)
	loss = Div(ReduceAllSum(rowLoss), Max(numValid, OnesLike(numValid)))

	// Invalid rows are pushed to numContrast so they never win the minimum.
	countForMin := Add(positiveCount, MulScalar(OneMinus(rowValid), float64(numContrast)))
	minPositives = ConvertDType(ReduceAllMin(countForMin), dtypes.Int32)
	return
}

// tileVector repeats a vector `[n]` count times, returning `[count*n]`.
func tileVector(x *Node, count int) *Node {
	n := x.Shape().Dim(0)
	return Reshape(BroadcastToDims(ExpandAxes(x, 0), count, n), count*n)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gmp

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Params are the graph nodes holding the mixture parameters, usually fed as inputs of an executor
// (see Mixture.Inputs).
type Params struct {
	// LogWeights shaped `[K]`.
	LogWeights *Node

	// Means and Variances (diagonal covariance) shaped `[K, embedDim]`.
	Means, Variances *Node
}

// ParamsFromNodes wraps the three mixture inputs, in the order returned by Mixture.Inputs.
func ParamsFromNodes(logWeights, means, variances *Node) Params {
	if logWeights.Rank() != 1 || means.Rank() != 2 || !means.Shape().Equal(variances.Shape()) ||
		means.Shape().Dim(0) != logWeights.Shape().Dim(0) {
		Panicf("invalid mixture parameters shapes: logWeights=%s, means=%s, variances=%s",
			logWeights.Shape(), means.Shape(), variances.Shape())
	}
	return Params{LogWeights: logWeights, Means: means, Variances: variances}
}

// NumComponents returns K.
func (p Params) NumComponents() int { return p.LogWeights.Shape().Dim(0) }

// LogJoint returns the log of the joint probability `log(w_k) + log N(x | mu_k, diag(var_k))` of each
// sample x and component k, shaped `[numSamples, K]`.
//
// The quadratic term is expanded into matrix products, so memory stays `O(numSamples * K)`.
func LogJoint(p Params, x *Node) *Node {
	if x.Rank() != 2 || x.Shape().Dim(1) != p.Means.Shape().Dim(1) {
		Panicf("features must be shaped [numSamples, %d], got %s", p.Means.Shape().Dim(1), x.Shape())
	}
	x = ConvertDType(x, p.Means.DType())
	embedDim := x.Shape().Dim(1)
	precision := Inverse(p.Variances)
	quadratic := Einsum("nd,kd->nk", Square(x), precision)
	quadratic = Sub(quadratic, MulScalar(Einsum("nd,kd->nk", x, Mul(p.Means, precision)), 2))
	quadratic = Add(quadratic, ExpandAxes(ReduceSum(Mul(Square(p.Means), precision), -1), 0))
	logDet := ReduceSum(Log(p.Variances), -1)
	constant := AddScalar(logDet, float64(embedDim)*math.Log(2*math.Pi))
	logJoint := MulScalar(Add(quadratic, ExpandAxes(constant, 0)), -0.5)
	return Add(logJoint, ExpandAxes(p.LogWeights, 0))
}

// logSumExp reduces the last axis of x, stabilised by its maximum.
func logSumExp(x *Node) *Node {
	maxValue := StopGradient(ReduceAndKeep(x, ReduceMax, -1))
	sum := ReduceSum(Exp(Sub(x, maxValue)), -1)
	return Add(Log(sum), Squeeze(maxValue, -1))
}

// Predict builds the conditioning for a batch of query features shaped `[batchSize, embedDim]`:
// the responsibilities of each component and, for the topK most likely components, their indices and
// means, used as prompts.
//
// topK must be between 1 and K.
func Predict(p Params, features *Node, topK, stage int) Conditioning {
	numComponents := p.NumComponents()
	if topK < 1 || topK > numComponents {
		Panicf("topK must be in [1, %d], got %d", numComponents, topK)
	}
	features = StopGradient(features)
	logJoint := LogJoint(p, features)
	responsibilities := Softmax(logJoint, -1)

	// Repeated arg-max, masking the components already taken.
	g := features.Graph()
	batchSize := features.Shape().Dim(0)
	scores := logJoint
	veryNegative := AddScalar(ZerosLike(scores), math.Inf(-1))
	componentIds := Iota(g, shapes.Make(dtypes.Int32, batchSize, numComponents), 1)
	indices := make([]*Node, topK)
	for ii := range topK {
		indices[ii] = ArgMax(scores, -1, dtypes.Int32)
		taken := Equal(componentIds, BroadcastToDims(ExpandAxes(indices[ii], -1), batchSize, numComponents))
		scores = Where(taken, veryNegative, scores)
	}
	topIndices := Stack(indices, -1)
	prompts := Gather(p.Means, ExpandAxes(topIndices, -1))
	return Conditioning{
		Kind:             MixturePrompts,
		Stage:            stage,
		Prompts:          ConvertDType(prompts, features.DType()),
		Indices:          topIndices,
		Responsibilities: responsibilities,
	}
}

// EMStep runs one expectation-maximization step of the diagonal Gaussian mixture over the samples x
// (`[numSamples, embedDim]`). It returns the updated parameters and the mean log-likelihood of x under
// the parameters given (before the update).
//
// Variances are floored at minVariance, and components left without responsibility keep a tiny weight
// instead of producing NaNs.
func EMStep(p Params, x *Node, minVariance float64) (updated Params, meanLogLikelihood *Node) {
	x = ConvertDType(x, p.Means.DType())
	numSamples := x.Shape().Dim(0)
	logJoint := LogJoint(p, x)
	logLikelihood := logSumExp(logJoint)
	meanLogLikelihood = ReduceAllMean(logLikelihood)

	// E-step.
	responsibilities := Exp(Sub(logJoint, ExpandAxes(logLikelihood, -1)))

	// M-step.
	const tiny = 1e-10
	counts := AddScalar(ReduceSum(responsibilities, 0), tiny) // [K]
	invCounts := ExpandAxes(Inverse(counts), -1)
	means := Mul(Einsum("nk,nd->kd", responsibilities, x), invCounts)
	secondMoment := Mul(Einsum("nk,nd->kd", responsibilities, Square(x)), invCounts)
	variances := Sub(secondMoment, Square(means))
	variances = Max(variances, ZerosLike(variances))
	variances = AddScalar(variances, minVariance)
	logWeights := Log(DivScalar(counts, float64(numSamples)))
	updated = Params{LogWeights: logWeights, Means: means, Variances: variances}
	return
}

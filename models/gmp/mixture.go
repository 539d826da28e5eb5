// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gmp implements the Gaussian Mixture Prompt: a K-component diagonal Gaussian mixture fitted over the
// backbone features of the current stage's data, used to select, for each sample, the prompts (the means of
// its most likely components) inserted in the backbone forward pass.
//
// The mixture parameters live on the host (Mixture) and are fed to the graphs as inputs (Mixture.Inputs),
// where Predict builds the Conditioning for a batch. Mixture.Fit is the only place where they change.
package gmp

import (
	"io"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

var (
	// ParamMaxIterations is the maximum number of EM iterations per Fit.
	ParamMaxIterations = "gmp_max_iterations"

	// ParamTolerance stops EM when the mean log-likelihood improves less than this.
	ParamTolerance = "gmp_tolerance"

	// ParamMinVariance is added to the variances of every component, to keep them positive.
	ParamMinVariance = "gmp_min_variance"

	// ParamSeed seeds the k-means++ initialization and the replay sampling.
	ParamSeed = "gmp_seed"

	// ParamInitSamples caps the number of samples used by the k-means++ seeding.
	ParamInitSamples = "gmp_init_samples"

	// ParamReplayPerComponent is the number of samples drawn from each component of the previous stage's
	// mixture and added to the data of Fit. 0 disables replay.
	ParamReplayPerComponent = "gmp_replay_per_component"
)

// Extractor computes the query features `[batchSize, embedDim]` for the inputs of a batch yielded by the
// loader passed to Mixture.Fit.
type Extractor func(inputs []*tensors.Tensor) (*tensors.Tensor, error)

// Mixture holds the parameters of the Gaussian mixture prompt of one stage.
// It is owned by the stage trainer: only Fit changes it.
type Mixture struct {
	backend backends.Backend

	numComponents, stage int

	maxIterations      int
	tolerance          float64
	minVariance        float64
	seed               uint64
	initSamples        int
	replayPerComponent int
	replay             *Mixture

	// Host copies of the parameters, set by Fit.
	embedDim   int
	logWeights []float64
	means      [][]float64
	variances  [][]float64
	inputs     []*tensors.Tensor

	emExec *Exec
}

// New creates an unfitted mixture with numComponents components for the given stage.
func New(backend backends.Backend, numComponents, stage int) *Mixture {
	return &Mixture{
		backend:       backend,
		numComponents: numComponents,
		stage:         stage,
		maxIterations: 100,
		tolerance:     1e-4,
		minVariance:   1e-6,
		seed:          42,
		initSamples:   4096,
	}
}

// FromContext reads the fitting hyperparameters from the context, keeping the current values as defaults.
func (m *Mixture) FromContext(ctx *context.Context) *Mixture {
	m.maxIterations = context.GetParamOr(ctx, ParamMaxIterations, m.maxIterations)
	m.tolerance = context.GetParamOr(ctx, ParamTolerance, m.tolerance)
	m.minVariance = context.GetParamOr(ctx, ParamMinVariance, m.minVariance)
	m.seed = uint64(context.GetParamOr(ctx, ParamSeed, int(m.seed)))
	m.initSamples = context.GetParamOr(ctx, ParamInitSamples, m.initSamples)
	m.replayPerComponent = context.GetParamOr(ctx, ParamReplayPerComponent, m.replayPerComponent)
	return m
}

// Replay sets the mixture of the previous stage to draw replay samples from during Fit, if
// ParamReplayPerComponent > 0. It is ignored if prev is nil or was never fitted.
func (m *Mixture) Replay(prev *Mixture) *Mixture {
	if prev != nil && prev.Fitted() {
		m.replay = prev
	}
	return m
}

// NumComponents returns K.
func (m *Mixture) NumComponents() int { return m.numComponents }

// Stage the mixture was created for.
func (m *Mixture) Stage() int { return m.stage }

// Fitted returns whether Fit was successfully called at least once.
func (m *Mixture) Fitted() bool { return m.inputs != nil }

// EmbedDim returns the dimension of the features the mixture was fitted on, or 0 if not fitted.
func (m *Mixture) EmbedDim() int { return m.embedDim }

// Means returns a copy of the component means.
func (m *Mixture) Means() [][]float64 {
	means := make([][]float64, len(m.means))
	for k, mean := range m.means {
		means[k] = append([]float64(nil), mean...)
	}
	return means
}

// Weights returns the mixing weights of the components.
func (m *Mixture) Weights() []float64 {
	weights := make([]float64, len(m.logWeights))
	for k, logW := range m.logWeights {
		weights[k] = math.Exp(logW)
	}
	return weights
}

// Inputs returns the tensors to feed to a graph that uses the mixture: log-weights `[K]`, means and
// variances `[K, embedDim]`, all Float32. Use ParamsFromNodes on the corresponding graph parameters.
// It returns nil if the mixture was never fitted.
func (m *Mixture) Inputs() []*tensors.Tensor {
	return m.inputs
}

// TopK clamps the requested number of prompts per sample to the number of components.
func (m *Mixture) TopK(requested int) int {
	if requested > m.numComponents {
		klog.Warningf("top_k=%d larger than the number of mixture components (%d), using %d",
			requested, m.numComponents, m.numComponents)
		return m.numComponents
	}
	if requested < 1 {
		return 1
	}
	return requested
}

// Fit refits the mixture on the features extracted from every batch of loader (which is reset first), plus
// the replay samples, if configured. Previous parameters are discarded.
//
// It fails if the loader yields fewer samples than components.
func (m *Mixture) Fit(extract Extractor, loader train.Dataset) error {
	samples, err := m.collect(extract, loader)
	if err != nil {
		return err
	}
	if len(samples) > 0 && m.replayPerComponent > 0 && m.replay != nil {
		if m.replay.embedDim != len(samples[0]) {
			return errors.Errorf("replay mixture has embedding dimension %d, features have %d",
				m.replay.embedDim, len(samples[0]))
		}
		samples = append(samples, m.replay.Sample(m.replayPerComponent, m.seed+1)...)
	}
	if len(samples) < m.numComponents {
		return errors.Errorf("cannot fit a mixture of %d components with only %d samples (stage %d)",
			m.numComponents, len(samples), m.stage)
	}
	return m.FitSamples(samples)
}

// collect runs the extractor over the whole loader.
func (m *Mixture) collect(extract Extractor, loader train.Dataset) ([][]float64, error) {
	loader.Reset()
	var samples [][]float64
	for {
		_, inputs, _, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading %q to fit the mixture", loader.Name())
		}
		features, err := extract(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "while extracting features to fit the mixture")
		}
		if features.Shape().Rank() != 2 {
			return nil, errors.Errorf("extracted features must be shaped [batchSize, embedDim], got %s",
				features.Shape())
		}
		embedDim := features.Shape().Dim(1)
		flat := tensors.CopyFlatData[float32](features)
		for row := range features.Shape().Dim(0) {
			sample := make([]float64, embedDim)
			for ii, v := range flat[row*embedDim : (row+1)*embedDim] {
				sample[ii] = float64(v)
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

// FitSamples fits the mixture on the given samples, all with the same dimension: k-means++ seeding of the
// means on the host, followed by EM steps until the mean log-likelihood improves less than the tolerance.
func (m *Mixture) FitSamples(samples [][]float64) error {
	if len(samples) < m.numComponents {
		return errors.Errorf("cannot fit a mixture of %d components with only %d samples",
			m.numComponents, len(samples))
	}
	embedDim := len(samples[0])
	rng := rand.New(rand.NewPCG(m.seed, uint64(m.stage)))
	means := KMeansPlusPlus(subsample(samples, m.initSamples, rng), m.numComponents, rng)
	variances := make([][]float64, m.numComponents)
	globalVariance := columnVariances(samples)
	for k := range variances {
		variances[k] = make([]float64, embedDim)
		for d := range embedDim {
			variances[k][d] = globalVariance[d] + m.minVariance
		}
	}
	logWeights := make([]float64, m.numComponents)
	for k := range logWeights {
		logWeights[k] = -math.Log(float64(m.numComponents))
	}

	if m.emExec == nil {
		minVariance := m.minVariance
		m.emExec = NewExec(m.backend, func(logW, means, variances, x *Node) []*Node {
			updated, meanLL := EMStep(ParamsFromNodes(logW, means, variances), x, minVariance)
			return []*Node{updated.LogWeights, updated.Means, updated.Variances, meanLL}
		})
	}
	x := tensors.FromFlatDataAndDimensions(flatten32(samples), len(samples), embedDim)
	defer x.FinalizeAll()
	params := []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(toFloat32(logWeights), m.numComponents),
		tensors.FromFlatDataAndDimensions(flatten32(means), m.numComponents, embedDim),
		tensors.FromFlatDataAndDimensions(flatten32(variances), m.numComponents, embedDim),
	}
	prevLL := math.Inf(-1)
	var iteration int
	err := exceptions.TryCatch[error](func() {
		for iteration = 0; iteration < m.maxIterations; iteration++ {
			outputs := m.emExec.Call(params[0], params[1], params[2], x)
			for _, t := range params {
				t.FinalizeAll()
			}
			params = outputs[:3]
			meanLL := float64(tensors.ToScalar[float32](outputs[3]))
			outputs[3].FinalizeAll()
			if math.IsNaN(meanLL) {
				exceptions.Panicf("mixture log-likelihood became NaN at iteration %d", iteration)
			}
			if meanLL-prevLL < m.tolerance*math.Abs(meanLL) {
				break
			}
			prevLL = meanLL
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "fitting mixture of %d components for stage %d", m.numComponents, m.stage)
	}
	klog.V(1).Infof("stage %d: mixture of %d components fitted on %d samples in %d EM iterations",
		m.stage, m.numComponents, len(samples), iteration+1)
	m.setParams(embedDim, params)
	return nil
}

// setParams takes ownership of the parameter tensors and keeps a host copy.
func (m *Mixture) setParams(embedDim int, params []*tensors.Tensor) {
	for _, t := range m.inputs {
		t.FinalizeAll()
	}
	m.embedDim = embedDim
	m.inputs = params
	m.logWeights = toFloat64(tensors.CopyFlatData[float32](params[0]))
	means := toFloat64(tensors.CopyFlatData[float32](params[1]))
	variances := toFloat64(tensors.CopyFlatData[float32](params[2]))
	m.means = make([][]float64, m.numComponents)
	m.variances = make([][]float64, m.numComponents)
	for k := range m.numComponents {
		m.means[k] = means[k*embedDim : (k+1)*embedDim]
		m.variances[k] = variances[k*embedDim : (k+1)*embedDim]
	}
}

// Sample draws perComponent samples from each component of a fitted mixture.
func (m *Mixture) Sample(perComponent int, seed uint64) [][]float64 {
	if !m.Fitted() || perComponent <= 0 {
		return nil
	}
	src := rand.NewPCG(seed, uint64(m.stage))
	samples := make([][]float64, 0, perComponent*m.numComponents)
	for k := range m.numComponents {
		for range perComponent {
			sample := make([]float64, m.embedDim)
			for d := range m.embedDim {
				normal := distuv.Normal{Mu: m.means[k][d], Sigma: math.Sqrt(m.variances[k][d]), Src: src}
				sample[d] = normal.Rand()
			}
			samples = append(samples, sample)
		}
	}
	return samples
}

// KMeansPlusPlus picks k initial centers from samples with the k-means++ D² weighting.
func KMeansPlusPlus(samples [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	first := samples[rng.IntN(len(samples))]
	centers = append(centers, append([]float64(nil), first...))
	distances := make([]float64, len(samples))
	for ii, sample := range samples {
		distances[ii] = squaredDistance(sample, first)
	}
	for len(centers) < k {
		var next int
		if floats.Sum(distances) <= 0 {
			// All remaining samples coincide with a center: pick any.
			next = rng.IntN(len(samples))
		} else {
			next = int(distuv.NewCategorical(distances, rng).Rand())
		}
		center := append([]float64(nil), samples[next]...)
		centers = append(centers, center)
		for ii, sample := range samples {
			distances[ii] = math.Min(distances[ii], squaredDistance(sample, center))
		}
	}
	return centers
}

func squaredDistance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

// subsample returns at most maxSamples samples, picked uniformly without replacement.
func subsample(samples [][]float64, maxSamples int, rng *rand.Rand) [][]float64 {
	if maxSamples <= 0 || len(samples) <= maxSamples {
		return samples
	}
	perm := rng.Perm(len(samples))[:maxSamples]
	selected := make([][]float64, maxSamples)
	for ii, idx := range perm {
		selected[ii] = samples[idx]
	}
	return selected
}

func columnVariances(samples [][]float64) []float64 {
	embedDim := len(samples[0])
	n := float64(len(samples))
	mean := make([]float64, embedDim)
	for _, sample := range samples {
		floats.Add(mean, sample)
	}
	floats.Scale(1/n, mean)
	variances := make([]float64, embedDim)
	for _, sample := range samples {
		for d, v := range sample {
			diff := v - mean[d]
			variances[d] += diff * diff
		}
	}
	floats.Scale(1/n, variances)
	return variances
}

func flatten32(rows [][]float64) []float32 {
	if len(rows) == 0 {
		return nil
	}
	flat := make([]float32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		for _, v := range row {
			flat = append(flat, float32(v))
		}
	}
	return flat
}

func toFloat32(values []float64) []float32 {
	converted := make([]float32, len(values))
	for ii, v := range values {
		converted[ii] = float32(v)
	}
	return converted
}

func toFloat64(values []float32) []float64 {
	converted := make([]float64, len(values))
	for ii, v := range values {
		converted[ii] = float64(v)
	}
	return converted
}

// DType of the mixture parameters fed to the graphs.
const DType = dtypes.Float32

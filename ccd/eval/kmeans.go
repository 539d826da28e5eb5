// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eval implements the clustering evaluation of continual category discovery: features are clustered
// with k-means (or semi-supervised k-means, with labelled anchors fixed to their class) and the clusters are
// matched to the ground truth classes with the Hungarian algorithm, reporting the accuracy on all, old and
// new classes.
package eval

import (
	"io"
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/promptccd/models/gmp"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ParamMaxIterations is the maximum number of k-means iterations.
	ParamMaxIterations = "kmeans_max_iterations"

	// ParamNumInit is the number of k-means restarts, the one with the lowest inertia is kept.
	ParamNumInit = "kmeans_n_init"

	// ParamSeed seeds the k-means++ initialization.
	ParamSeed = "kmeans_seed"
)

// Config of the k-means clustering.
type Config struct {
	MaxIterations, NumInit int
	Tolerance              float64
	Seed                   uint64
}

// DefaultConfig returns 3 restarts of at most 100 iterations.
func DefaultConfig() Config {
	return Config{MaxIterations: 100, NumInit: 3, Tolerance: 1e-4}
}

// ConfigFromContext reads the k-means hyperparameters from the context.
func ConfigFromContext(ctx *context.Context) Config {
	cfg := DefaultConfig()
	cfg.MaxIterations = context.GetParamOr(ctx, ParamMaxIterations, cfg.MaxIterations)
	cfg.NumInit = context.GetParamOr(ctx, ParamNumInit, cfg.NumInit)
	cfg.Seed = uint64(context.GetParamOr(ctx, ParamSeed, int(cfg.Seed)))
	return cfg
}

// Features holds the (L2-normalized) features of a split, with their ground truth labels and labelled mask.
type Features struct {
	Vectors  [][]float64
	Labels   []int32
	Labelled []bool
}

// Len returns the number of feature vectors.
func (f *Features) Len() int { return len(f.Vectors) }

// Collect runs extract over every batch of loader (reset first). The loader labels must be
// [classLabels, index, labelledMask], as yielded by the ccd/data loaders.
func Collect(extract gmp.Extractor, loader train.Dataset) (*Features, error) {
	loader.Reset()
	features := &Features{}
	for {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q for evaluation", loader.Name())
		}
		if len(labels) < 3 {
			return nil, errors.Errorf("loader %q yielded %d labels, wanted [classLabels, index, labelledMask]",
				loader.Name(), len(labels))
		}
		batch, err := extract(inputs)
		if err != nil {
			return nil, errors.WithMessage(err, "extracting evaluation features")
		}
		embedDim := batch.Shape().Dim(-1)
		flat := tensors.CopyFlatData[float32](batch)
		batch.FinalizeAll()
		classLabels := tensors.CopyFlatData[int32](labels[0])
		mask := tensors.CopyFlatData[bool](labels[2])
		for row := range classLabels {
			vector := make([]float64, embedDim)
			for ii, v := range flat[row*embedDim : (row+1)*embedDim] {
				vector[ii] = float64(v)
			}
			if norm := floats.Norm(vector, 2); norm > 0 {
				floats.Scale(1/norm, vector)
			}
			features.Vectors = append(features.Vectors, vector)
			features.Labels = append(features.Labels, classLabels[row])
			features.Labelled = append(features.Labelled, mask[row])
		}
	}
	return features, nil
}

// KMeans clusters the features in k clusters and returns the cluster accuracies, where classes with id
// < numOld are "old".
func KMeans(features *Features, k, numOld int, cfg Config) (Accuracies, error) {
	if features.Len() < k || k < 1 {
		return Accuracies{}, errors.Errorf("cannot cluster %d samples in %d clusters", features.Len(), k)
	}
	assignments := kmeans(features.Vectors, nil, k, cfg)
	return ClusterAccuracy(features.Labels, assignments, numOld), nil
}

// SemiSupKMeans clusters the unlabelled features together with labelled anchors, whose assignment is fixed to
// their class id (which must be < k). Centers of the anchor classes are initialized with their mean, the
// remaining ones with k-means++ over the unlabelled features. The accuracies are computed over the
// unlabelled features only.
func SemiSupKMeans(unlabelled, anchors *Features, k, numOld int, cfg Config) (Accuracies, error) {
	if unlabelled.Len() == 0 || k < 1 {
		return Accuracies{}, errors.Errorf("cannot cluster %d samples in %d clusters", unlabelled.Len(), k)
	}
	vectors := append(append([][]float64(nil), anchors.Vectors...), unlabelled.Vectors...)
	fixed := make([]int, len(vectors))
	for ii := range fixed {
		fixed[ii] = -1
	}
	for ii, label := range anchors.Labels {
		if int(label) >= k {
			return Accuracies{}, errors.Errorf("anchor class %d doesn't fit in %d clusters", label, k)
		}
		fixed[ii] = int(label)
	}
	assignments := kmeans(vectors, fixed, k, cfg)
	return ClusterAccuracy(unlabelled.Labels, assignments[anchors.Len():], numOld), nil
}

// kmeans runs cfg.NumInit restarts of Lloyd's algorithm and returns the assignments with the lowest inertia.
// If fixed is given, samples with fixed[i] >= 0 are always assigned to that cluster.
func kmeans(vectors [][]float64, fixed []int, k int, cfg Config) []int {
	var (
		best        []int
		bestInertia = math.Inf(1)
	)
	for restart := range max(cfg.NumInit, 1) {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(restart)))
		centers := initialCenters(vectors, fixed, k, rng)
		assignments, inertia := lloyd(vectors, fixed, centers, cfg)
		if inertia < bestInertia {
			best, bestInertia = assignments, inertia
		}
	}
	return best
}

// initialCenters uses the mean of the fixed samples of each cluster, and k-means++ seeding over the free
// samples for the clusters without fixed samples.
func initialCenters(vectors [][]float64, fixed []int, k int, rng *rand.Rand) [][]float64 {
	dim := len(vectors[0])
	centers := make([][]float64, k)
	counts := make([]int, k)
	var free [][]float64
	for ii, vector := range vectors {
		if fixed != nil && fixed[ii] >= 0 {
			c := fixed[ii]
			if centers[c] == nil {
				centers[c] = make([]float64, dim)
			}
			floats.Add(centers[c], vector)
			counts[c]++
		} else {
			free = append(free, vector)
		}
	}
	var missing []int
	for c := range k {
		if counts[c] > 0 {
			floats.Scale(1/float64(counts[c]), centers[c])
		} else {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return centers
	}
	if len(free) == 0 {
		free = vectors
	}
	var existing [][]float64
	for c := range k {
		if counts[c] > 0 {
			existing = append(existing, centers[c])
		}
	}
	for _, c := range missing {
		centers[c] = nextSeed(free, existing, rng)
		existing = append(existing, centers[c])
	}
	return centers
}

// nextSeed picks a new center among the samples with the k-means++ D² weighting with respect to the existing
// centers, or uniformly if there are none.
func nextSeed(samples, existing [][]float64, rng *rand.Rand) []float64 {
	if len(existing) == 0 {
		return append([]float64(nil), samples[rng.IntN(len(samples))]...)
	}
	weights := make([]float64, len(samples))
	for ii, sample := range samples {
		weights[ii] = math.Inf(1)
		for _, center := range existing {
			weights[ii] = math.Min(weights[ii], squaredDistance(sample, center))
		}
	}
	if floats.Sum(weights) <= 0 {
		return append([]float64(nil), samples[rng.IntN(len(samples))]...)
	}
	return append([]float64(nil), samples[int(distuv.NewCategorical(weights, rng).Rand())]...)
}

// lloyd iterates assignment and update steps until the centers move less than the tolerance.
func lloyd(vectors [][]float64, fixed []int, centers [][]float64, cfg Config) (assignments []int, inertia float64) {
	k := len(centers)
	dim := len(vectors[0])
	assignments = make([]int, len(vectors))
	for range max(cfg.MaxIterations, 1) {
		inertia = 0
		for ii, vector := range vectors {
			if fixed != nil && fixed[ii] >= 0 {
				assignments[ii] = fixed[ii]
				inertia += squaredDistance(vector, centers[fixed[ii]])
				continue
			}
			bestDistance := math.Inf(1)
			for c, center := range centers {
				if d := squaredDistance(vector, center); d < bestDistance {
					bestDistance = d
					assignments[ii] = c
				}
			}
			inertia += bestDistance
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for ii, vector := range vectors {
			floats.Add(sums[assignments[ii]], vector)
			counts[assignments[ii]]++
		}
		var shift float64
		for c := range centers {
			if counts[c] == 0 {
				// Empty clusters keep their center.
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += squaredDistance(sums[c], centers[c])
			centers[c] = sums[c]
		}
		if shift <= cfg.Tolerance*cfg.Tolerance {
			break
		}
	}
	return
}

func squaredDistance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

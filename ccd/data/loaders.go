// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"io"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ParamBatchSize is the batch size of both loaders.
	ParamBatchSize = "batch_size"

	// ParamNumWorkers is the number of goroutines used to augment (and decode) images.
	ParamNumWorkers = "num_workers"

	// ParamNumViews is the number of augmented views yielded per sample by the contrast loader. Only 2 is
	// supported.
	ParamNumViews = "n_views"
)

// BatchCounter is implemented by the loaders of this package, to size progress bars.
type BatchCounter interface {
	NumBatches() int
}

// Loaders of one stage.
type Loaders struct {
	// Default yields each example once, in order, not augmented: inputs = [images], used to fit the
	// mixture and to evaluate.
	Default train.Dataset

	// Contrast yields shuffled full batches of two augmented views per example: inputs = [view0, view1].
	Contrast train.Dataset
}

// LoaderConfig configures the loaders.
type LoaderConfig struct {
	BatchSize, NumWorkers int
	Seed                  uint64
	Augmenter             *Augmenter
}

// LoaderConfigFromContext reads the loader hyperparameters from the context.
func LoaderConfigFromContext(ctx *context.Context) LoaderConfig {
	return LoaderConfig{
		BatchSize:  context.GetParamOr(ctx, ParamBatchSize, 128),
		NumWorkers: context.GetParamOr(ctx, ParamNumWorkers, 8),
		Seed:       uint64(context.GetParamOr(ctx, ParamDataSeed, 0)),
		Augmenter:  DefaultAugmenter(),
	}
}

// NewLoaders creates the loaders over a split.
func NewLoaders(name string, split *Split, cfg LoaderConfig) Loaders {
	return Loaders{
		Default:  NewDefaultLoader(name+"-default", split, cfg.BatchSize),
		Contrast: NewContrastLoader(name+"-contrast", split, cfg),
	}
}

// batchLabels returns the label tensors of a batch with the examples at the given indices:
// class labels (Int32), index in the split (Int32) and labelled mask (Bool), all shaped `[batchSize]`.
func batchLabels(split *Split, indices []int) []*tensors.Tensor {
	classLabels := make([]int32, len(indices))
	positions := make([]int32, len(indices))
	mask := make([]bool, len(indices))
	for ii, idx := range indices {
		classLabels[ii] = split.Labels[idx]
		positions[ii] = int32(idx)
		mask[ii] = split.Labelled[idx]
	}
	return []*tensors.Tensor{tensors.FromValue(classLabels), tensors.FromValue(positions), tensors.FromValue(mask)}
}

var toTensor = timage.ToTensor(dtypes.Float32)

// defaultLoader yields the examples in order, not augmented. The last batch may be smaller.
type defaultLoader struct {
	name      string
	split     *Split
	batchSize int
	next      int
}

var _ train.Dataset = &defaultLoader{}

// NewDefaultLoader returns a loader that yields the examples of the split once, in order, not augmented.
//
// Each batch has inputs = [images] (Float32 `[batchSize, height, width, 3]` with values in [0, 1]) and
// labels = [classLabels, index, labelledMask].
func NewDefaultLoader(name string, split *Split, batchSize int) train.Dataset {
	return &defaultLoader{name: name, split: split, batchSize: max(batchSize, 1)}
}

func (ds *defaultLoader) Name() string { return ds.name }

func (ds *defaultLoader) Reset() { ds.next = 0 }

// NumBatches returns the number of batches per epoch.
func (ds *defaultLoader) NumBatches() int {
	return (ds.split.Len() + ds.batchSize - 1) / ds.batchSize
}

func (ds *defaultLoader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.split.Len() {
		err = io.EOF
		return
	}
	end := min(ds.next+ds.batchSize, ds.split.Len())
	indices := make([]int, 0, end-ds.next)
	for idx := ds.next; idx < end; idx++ {
		indices = append(indices, idx)
	}
	ds.next = end
	spec = ds
	inputs = []*tensors.Tensor{toTensor.Batch(ds.split.Images[indices[0]:end])}
	labels = batchLabels(ds.split, indices)
	return
}

// contrastLoader yields shuffled batches of two augmented views per example.
type contrastLoader struct {
	name       string
	split      *Split
	batchSize  int
	numWorkers int
	augmenter  *Augmenter
	rng        *rand.Rand
	order      []int
	next       int
}

var _ train.Dataset = &contrastLoader{}

// NewContrastLoader returns a loader that yields, in a random order (reshuffled at every Reset), batches of
// two independently augmented views of each example. Only full batches are yielded, except when the split
// is smaller than one batch, in which case a single batch with all the examples is yielded.
//
// Each batch has inputs = [view0, view1] and labels = [classLabels, index, labelledMask].
func NewContrastLoader(name string, split *Split, cfg LoaderConfig) train.Dataset {
	augmenter := cfg.Augmenter
	if augmenter == nil {
		augmenter = DefaultAugmenter()
	}
	ds := &contrastLoader{
		name:       name,
		split:      split,
		batchSize:  max(cfg.BatchSize, 1),
		numWorkers: max(cfg.NumWorkers, 1),
		augmenter:  augmenter,
		rng:        rand.New(rand.NewPCG(cfg.Seed, 0xc047)),
	}
	ds.Reset()
	return ds
}

func (ds *contrastLoader) Name() string { return ds.name }

func (ds *contrastLoader) Reset() {
	ds.order = ds.rng.Perm(ds.split.Len())
	ds.next = 0
}

// NumBatches returns the number of batches per epoch.
func (ds *contrastLoader) NumBatches() int {
	if ds.split.Len() < ds.batchSize {
		return min(ds.split.Len(), 1)
	}
	return ds.split.Len() / ds.batchSize
}

func (ds *contrastLoader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batchSize := min(ds.batchSize, ds.split.Len())
	if batchSize == 0 || ds.next+batchSize > len(ds.order) {
		err = io.EOF
		return
	}
	indices := ds.order[ds.next : ds.next+batchSize]
	ds.next += batchSize

	// Seeds drawn sequentially, so the augmentations don't depend on the goroutine scheduling.
	views := [2][]image.Image{make([]image.Image, batchSize), make([]image.Image, batchSize)}
	seeds := make([]uint64, 2*batchSize)
	for ii := range seeds {
		seeds[ii] = ds.rng.Uint64()
	}
	p := pool.New().WithMaxGoroutines(ds.numWorkers)
	for view := range 2 {
		for ii, idx := range indices {
			seed := seeds[view*batchSize+ii]
			p.Go(func() {
				rng := rand.New(rand.NewPCG(seed, uint64(idx)))
				views[view][ii] = ds.augmenter.Apply(ds.split.Images[idx], rng)
			})
		}
	}
	p.Wait()
	spec = ds
	inputs = []*tensors.Tensor{toTensor.Batch(views[0]), toTensor.Batch(views[1])}
	labels = batchLabels(ds.split, indices)
	return
}

// Augmenter applies the SimCLR style augmentations used for the contrastive views: random resized crop,
// horizontal flip, color jitter and random grayscale.
type Augmenter struct {
	// MinCropArea is the minimum fraction of the image area kept by the random crop.
	MinCropArea float64

	FlipProbability, JitterProbability, GrayscaleProbability float64

	// Jitter is the maximum brightness/contrast/saturation change, in percent.
	Jitter float64
}

// DefaultAugmenter returns the augmentations used for training.
func DefaultAugmenter() *Augmenter {
	return &Augmenter{
		MinCropArea:          0.08,
		FlipProbability:      0.5,
		JitterProbability:    0.8,
		GrayscaleProbability: 0.2,
		Jitter:               40,
	}
}

// Apply returns an augmented copy of img, with the same size.
func (a *Augmenter) Apply(img image.Image, rng *rand.Rand) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// Random resized crop.
	area := float64(width*height) * (a.MinCropArea + (1-a.MinCropArea)*rng.Float64())
	ratio := math.Exp(math.Log(3.0/4.0) + rng.Float64()*math.Log(16.0/9.0))
	cropW := min(max(int(math.Round(math.Sqrt(area*ratio))), 1), width)
	cropH := min(max(int(math.Round(math.Sqrt(area/ratio))), 1), height)
	x0 := bounds.Min.X + rng.IntN(width-cropW+1)
	y0 := bounds.Min.Y + rng.IntN(height-cropH+1)
	out := imaging.Crop(img, image.Rect(x0, y0, x0+cropW, y0+cropH))
	out = imaging.Resize(out, width, height, imaging.Linear)

	if rng.Float64() < a.FlipProbability {
		out = imaging.FlipH(out)
	}
	if rng.Float64() < a.JitterProbability {
		jitter := func() float64 { return (2*rng.Float64() - 1) * a.Jitter }
		out = imaging.AdjustBrightness(out, jitter())
		out = imaging.AdjustContrast(out, jitter())
		out = imaging.AdjustSaturation(out, jitter())
	}
	if rng.Float64() < a.GrayscaleProbability {
		out = imaging.Grayscale(out)
	}
	return out
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data builds the class-incremental data stream of a continual category discovery run: image sources
// (CIFAR-100, image folders, synthetic), their split into stages with labelled and unlabelled samples, and the
// two loaders used per stage (Loaders.Default and Loaders.Contrast), both implementing train.Dataset.
package data

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/examples/cifar"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"k8s.io/klog/v2"
)

// Source is a labelled collection of images, all of the same size.
type Source struct {
	Name       string
	Images     []image.Image
	Labels     []int32
	ClassNames []string
}

// NumClasses returns the number of classes of the source.
func (src *Source) NumClasses() int { return len(src.ClassNames) }

// Len returns the number of examples.
func (src *Source) Len() int { return len(src.Images) }

// Validate checks labels are in range and images and labels match.
func (src *Source) Validate() error {
	if len(src.Images) != len(src.Labels) {
		return errors.Errorf("source %q has %d images but %d labels", src.Name, len(src.Images), len(src.Labels))
	}
	for ii, label := range src.Labels {
		if label < 0 || int(label) >= src.NumClasses() {
			return errors.Errorf("source %q example %d has label %d, out of range [0, %d)",
				src.Name, ii, label, src.NumClasses())
		}
	}
	return nil
}

// CIFAR-100 binary record: coarse label, fine label and 3 planes of 32x32 bytes.
const cifar100RecordSize = 2 + cifar.Height*cifar.Width*cifar.Depth

// LoadCifar100 downloads (if needed) CIFAR-100 into baseDir and returns its train and test partitions,
// labelled with the fine labels.
func LoadCifar100(baseDir string) (trainSrc, testSrc *Source, err error) {
	if err = cifar.DownloadCifar100(baseDir); err != nil {
		return nil, nil, errors.WithMessagef(err, "downloading CIFAR-100 to %q", baseDir)
	}
	trainSrc, err = readCifar100(path.Join(baseDir, cifar.C100SubDir, "train.bin"), "cifar100-train")
	if err != nil {
		return nil, nil, err
	}
	testSrc, err = readCifar100(path.Join(baseDir, cifar.C100SubDir, "test.bin"), "cifar100-test")
	if err != nil {
		return nil, nil, err
	}
	return
}

func readCifar100(filePath, name string) (*Source, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CIFAR-100 file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	src := &Source{Name: name, ClassNames: cifar.C100FineLabels}
	reader := bufio.NewReader(f)
	var record [cifar100RecordSize]byte
	for {
		_, err = io.ReadFull(reader, record[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading example %d of %q", src.Len(), filePath)
		}
		src.Labels = append(src.Labels, int32(record[1]))
		src.Images = append(src.Images, cifarImage(record[2:]))
	}
	klog.V(1).Infof("read %d examples from %q", src.Len(), filePath)
	return src, nil
}

// cifarImage converts the channel-planar CIFAR bytes to an image.
func cifarImage(planes []byte) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, cifar.Width, cifar.Height))
	planeSize := cifar.Height * cifar.Width
	for h := range cifar.Height {
		for w := range cifar.Width {
			pos := h*cifar.Width + w
			img.SetNRGBA(w, h, color.NRGBA{R: planes[pos], G: planes[planeSize+pos], B: planes[2*planeSize+pos], A: 255})
		}
	}
	return img
}

// LoadImageFolder loads an image folder with one sub-directory per class (sorted by name to assign the
// class ids). Images are decoded in parallel by numWorkers goroutines and center-cropped and resized to
// size x size.
func LoadImageFolder(dir string, size, numWorkers int) (*Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image folder %q", dir)
	}
	src := &Source{Name: path.Base(dir)}
	type job struct {
		path  string
		label int32
	}
	var jobs []job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := int32(len(src.ClassNames))
		src.ClassNames = append(src.ClassNames, entry.Name())
		classDir := path.Join(dir, entry.Name())
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading class directory %q", classDir)
		}
		for _, file := range files {
			if !file.IsDir() {
				jobs = append(jobs, job{path: path.Join(classDir, file.Name()), label: label})
			}
		}
	}
	if len(jobs) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}

	src.Images = make([]image.Image, len(jobs))
	src.Labels = make([]int32, len(jobs))
	var (
		mu       sync.Mutex
		firstErr error
	)
	p := pool.New().WithMaxGoroutines(max(numWorkers, 1))
	for ii, j := range jobs {
		p.Go(func() {
			img, err := imaging.Open(j.path)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "decoding %q", j.path)
				}
				mu.Unlock()
				return
			}
			src.Images[ii] = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
			src.Labels[ii] = j.label
		})
	}
	p.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	klog.V(1).Infof("loaded %d images of %d classes from %q", src.Len(), src.NumClasses(), dir)
	return src, nil
}

// Synthetic generates numClasses classes of perClass images of size x size: each class has its own base
// color and stripe orientation, with per-image noise. Used for tests and smoke runs.
func Synthetic(numClasses, perClass, size int, seed uint64) *Source {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	src := &Source{Name: "synthetic"}
	for class := range numClasses {
		src.ClassNames = append(src.ClassNames, fmt.Sprintf("class_%03d", class))
	}
	for class := range numClasses {
		base := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
		period := 2 + class%5
		vertical := class%2 == 0
		for range perClass {
			img := image.NewNRGBA(image.Rect(0, 0, size, size))
			for y := range size {
				for x := range size {
					coord := y
					if vertical {
						coord = x
					}
					stripe := 0.0
					if (coord/period)%2 == 0 {
						stripe = 0.3
					}
					var c [3]uint8
					for ch := range 3 {
						v := base[ch]*0.7 + stripe + 0.05*rng.NormFloat64()
						c[ch] = uint8(255 * min(max(v, 0), 1))
					}
					img.SetNRGBA(x, y, color.NRGBA{R: c[0], G: c[1], B: c[2], A: 255})
				}
			}
			src.Images = append(src.Images, img)
			src.Labels = append(src.Labels, int32(class))
		}
	}
	return src
}

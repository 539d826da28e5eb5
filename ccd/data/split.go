// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"math/rand/v2"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

var (
	// ParamLabelledClasses is the number of classes labelled in the initial stage, "old" classes.
	ParamLabelledClasses = "labelled_data"

	// ParamClasses is the total number of classes of the stream.
	ParamClasses = "classes"

	// ParamNumStages is the number of discovery stages after the initial (labelled) one.
	ParamNumStages = "n_stage"

	// ParamPropTrainLabels is the fraction of the training samples of the labelled classes that are labelled
	// in the initial stage.
	ParamPropTrainLabels = "prop_train_labels"

	// ParamValFraction is the fraction of the training samples of each class held out for validation.
	ParamValFraction = "val_fraction"

	// ParamDataSeed seeds the split and the augmentations.
	ParamDataSeed = "data_seed"
)

// StreamConfig configures the class-incremental split.
type StreamConfig struct {
	LabelledClasses, TotalClasses, NumStages int
	PropTrainLabels, ValFraction             float64
	Seed                                     uint64
}

// StreamConfigFromContext reads the split hyperparameters from the context.
func StreamConfigFromContext(ctx *context.Context) StreamConfig {
	return StreamConfig{
		LabelledClasses: context.GetParamOr(ctx, ParamLabelledClasses, 50),
		TotalClasses:    context.GetParamOr(ctx, ParamClasses, 100),
		NumStages:       context.GetParamOr(ctx, ParamNumStages, 5),
		PropTrainLabels: context.GetParamOr(ctx, ParamPropTrainLabels, 0.8),
		ValFraction:     context.GetParamOr(ctx, ParamValFraction, 0.1),
		Seed:            uint64(context.GetParamOr(ctx, ParamDataSeed, 0)),
	}
}

// ClassesPerStage is the number of new classes introduced by each discovery stage.
func (cfg StreamConfig) ClassesPerStage() int {
	return (cfg.TotalClasses - cfg.LabelledClasses) / cfg.NumStages
}

// IntroStage returns the stage where the class first appears: 0 for labelled classes. Classes left over by
// the integer division of the new classes among stages are never introduced (it returns -1).
func (cfg StreamConfig) IntroStage(class int) int {
	if class < cfg.LabelledClasses {
		return 0
	}
	perStage := cfg.ClassesPerStage()
	stage := 1 + (class-cfg.LabelledClasses)/perStage
	if stage > cfg.NumStages {
		return -1
	}
	return stage
}

// SeenClasses returns the number of classes introduced up to and including stage.
func (cfg StreamConfig) SeenClasses(stage int) int {
	return cfg.LabelledClasses + stage*cfg.ClassesPerStage()
}

// OldClasses returns the number of classes considered "old" when evaluating stage: those introduced before it,
// or the labelled classes for the initial stage.
func (cfg StreamConfig) OldClasses(stage int) int {
	return cfg.SeenClasses(max(stage-1, 0))
}

// Validate the configuration against the number of classes of a source.
func (cfg StreamConfig) Validate(numClasses int) error {
	switch {
	case cfg.NumStages < 1:
		return errors.Errorf("%s must be >= 1, got %d", ParamNumStages, cfg.NumStages)
	case cfg.LabelledClasses < 1 || cfg.LabelledClasses >= cfg.TotalClasses:
		return errors.Errorf("%s=%d must be in [1, %s=%d)", ParamLabelledClasses, cfg.LabelledClasses,
			ParamClasses, cfg.TotalClasses)
	case cfg.TotalClasses > numClasses:
		return errors.Errorf("%s=%d but the dataset only has %d classes", ParamClasses, cfg.TotalClasses, numClasses)
	case cfg.ClassesPerStage() < 1:
		return errors.Errorf("%d new classes can't be spread over %d stages",
			cfg.TotalClasses-cfg.LabelledClasses, cfg.NumStages)
	case cfg.PropTrainLabels <= 0 || cfg.PropTrainLabels > 1:
		return errors.Errorf("%s must be in (0, 1], got %g", ParamPropTrainLabels, cfg.PropTrainLabels)
	case cfg.ValFraction < 0 || cfg.ValFraction >= 1:
		return errors.Errorf("%s must be in [0, 1), got %g", ParamValFraction, cfg.ValFraction)
	}
	return nil
}

// Split is a set of examples of one stage. Labelled marks which samples have their class label available
// for training; Labels always hold the ground truth (used for evaluation).
type Split struct {
	Images   []image.Image
	Labels   []int32
	Labelled []bool
}

// Len returns the number of examples.
func (s *Split) Len() int { return len(s.Images) }

// NumLabelled returns the number of labelled examples.
func (s *Split) NumLabelled() (count int) {
	for _, labelled := range s.Labelled {
		if labelled {
			count++
		}
	}
	return
}

func (s *Split) add(img image.Image, label int32, labelled bool) {
	s.Images = append(s.Images, img)
	s.Labels = append(s.Labels, label)
	s.Labelled = append(s.Labelled, labelled)
}

// Filter returns the examples whose ground truth label satisfies keep.
func (s *Split) Filter(keep func(label int32) bool) *Split {
	filtered := &Split{}
	for ii, label := range s.Labels {
		if keep(label) {
			filtered.add(s.Images[ii], label, s.Labelled[ii])
		}
	}
	return filtered
}

// Stage holds the data of one stage.
type Stage struct {
	Index int

	// Train examples of the stage: labelled and unlabelled.
	Train *Split

	// Val holds held-out training examples of the classes seen so far, all unlabelled.
	Val *Split

	// Test holds test examples of the classes seen so far, all unlabelled.
	Test *Split

	// Anchors are the labelled examples of the initial stage, used by the semi-supervised evaluation.
	Anchors *Split
}

// Stream is the class-incremental data stream: the initial labelled stage followed by NumStages discovery
// stages, each introducing ClassesPerStage new classes.
type Stream struct {
	Config StreamConfig
	Stages []*Stage
}

// NewStream splits the train and test sources into stages.
//
// Every class c is introduced at stage IntroStage(c). The unlabelled training samples of a class are divided
// evenly among its introduction stage and all later ones, so old classes keep appearing (unlabelled) among the
// new ones. For the labelled classes a fraction PropTrainLabels of the samples is labelled, and only seen in
// the initial stage.
func NewStream(trainSrc, testSrc *Source, cfg StreamConfig) (*Stream, error) {
	for _, src := range []*Source{trainSrc, testSrc} {
		if err := src.Validate(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(src.NumClasses()); err != nil {
			return nil, errors.WithMessagef(err, "splitting %q", src.Name)
		}
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0xcc0))
	stream := &Stream{Config: cfg, Stages: make([]*Stage, cfg.NumStages+1)}
	for ii := range stream.Stages {
		stream.Stages[ii] = &Stage{Index: ii, Train: &Split{}, Val: &Split{}, Test: &Split{}, Anchors: &Split{}}
	}

	byClass := make([][]int, cfg.TotalClasses)
	for ii, label := range trainSrc.Labels {
		if int(label) < cfg.TotalClasses {
			byClass[label] = append(byClass[label], ii)
		}
	}
	for class, indices := range byClass {
		intro := cfg.IntroStage(class)
		if intro < 0 {
			continue
		}
		rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		numVal := int(float64(len(indices)) * cfg.ValFraction)
		valIndices, trainIndices := indices[:numVal], indices[numVal:]
		for _, idx := range valIndices {
			for stage := intro; stage <= cfg.NumStages; stage++ {
				stream.Stages[stage].Val.add(trainSrc.Images[idx], trainSrc.Labels[idx], false)
			}
		}
		if intro == 0 {
			numLabelled := int(float64(len(trainIndices)) * cfg.PropTrainLabels)
			for _, idx := range trainIndices[:numLabelled] {
				stream.Stages[0].Train.add(trainSrc.Images[idx], trainSrc.Labels[idx], true)
				stream.Stages[0].Anchors.add(trainSrc.Images[idx], trainSrc.Labels[idx], true)
			}
			trainIndices = trainIndices[numLabelled:]
		}
		numShares := cfg.NumStages + 1 - intro
		for ii, idx := range trainIndices {
			stage := intro + ii*numShares/max(len(trainIndices), 1)
			stream.Stages[stage].Train.add(trainSrc.Images[idx], trainSrc.Labels[idx], false)
		}
	}

	for ii, label := range testSrc.Labels {
		if int(label) >= cfg.TotalClasses {
			continue
		}
		intro := cfg.IntroStage(int(label))
		if intro < 0 {
			continue
		}
		for stage := intro; stage <= cfg.NumStages; stage++ {
			stream.Stages[stage].Test.add(testSrc.Images[ii], label, false)
		}
	}
	for _, stage := range stream.Stages[1:] {
		stage.Anchors = stream.Stages[0].Anchors
	}
	for _, stage := range stream.Stages {
		if stage.Train.Len() == 0 {
			return nil, errors.Errorf("stage %d has no training examples", stage.Index)
		}
	}
	return stream, nil
}

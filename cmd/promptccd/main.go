// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// promptccd trains a PromptCCD model over a continual category discovery stream: an initial stage with
// labelled classes followed by discovery stages with unlabelled data of old and new classes.
//
// Hyperparameters are set with -config (a YAML file) and -set (see ui/commandline), the latter taking
// precedence. Checkpoints, per-stage summaries and the report are saved under save_path/run_id.
//
// Example:
//
//	$ promptccd -dataset=cifar100 -data=~/work/cifar -set="epochs=50;pretrained_dir=~/work/dino_vitb16"
package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"slices"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/promptccd/ccd/config"
	"github.com/gomlx/promptccd/ccd/data"
	"github.com/gomlx/promptccd/ccd/report"
	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ValidDatasets is the list of datasets supported by -dataset.
var ValidDatasets = []string{"cifar100", "folder", "synthetic"}

var (
	flagDataset = flag.String("dataset", ValidDatasets[0], fmt.Sprintf("Dataset to use, one of %v. "+
		"For \"folder\", -data must have a \"train\" and a \"test\" image folder, with one sub-directory per class.",
		ValidDatasets))
	flagDataDir   = flag.String("data", "~/work/cifar", "Directory to cache downloaded dataset files, or the image folders.")
	flagConfig    = flag.String("config", "", "YAML file with hyperparameters. Values given in -set take precedence.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose. "+
		"0 disables the progress bars.")
	flagSyntheticPerClass = flag.Int("synthetic_per_class", 50, "Number of training images per class of the synthetic dataset.")
)

func main() {
	ctx := config.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	var paramsSet []string
	if *flagConfig != "" {
		paramsSet = must.M1(config.LoadYAML(ctx, mldata.ReplaceTildeInDir(*flagConfig)))
	}
	paramsSet = must.M1(commandline.ParseContextSettingsAppend(ctx, *settings, paramsSet))
	runID := config.AssignRunID(ctx)
	cfg := must.M1(config.FromContext(ctx))
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	if *flagVerbosity >= 1 && len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	if err := run(ctx, cfg, runID); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// loadSources returns the train and test sources of the dataset selected by -dataset.
func loadSources(cfg config.Config) (trainSrc, testSrc *data.Source, err error) {
	dataDir := mldata.ReplaceTildeInDir(*flagDataDir)
	switch *flagDataset {
	case "cifar100":
		if err = os.MkdirAll(dataDir, 0777); err != nil {
			return nil, nil, errors.Wrapf(err, "creating data directory %q", dataDir)
		}
		return data.LoadCifar100(dataDir)
	case "folder":
		trainSrc, err = data.LoadImageFolder(path.Join(dataDir, "train"), cfg.Backbone.InputSize, cfg.Loader.NumWorkers)
		if err != nil {
			return nil, nil, err
		}
		testSrc, err = data.LoadImageFolder(path.Join(dataDir, "test"), cfg.Backbone.InputSize, cfg.Loader.NumWorkers)
		return trainSrc, testSrc, err
	case "synthetic":
		size := cfg.Backbone.InputSize
		trainSrc = data.Synthetic(cfg.Stream.TotalClasses, *flagSyntheticPerClass, size, cfg.Stream.Seed)
		testSrc = data.Synthetic(cfg.Stream.TotalClasses, max(*flagSyntheticPerClass/5, 1), size, cfg.Stream.Seed+1)
		return trainSrc, testSrc, nil
	}
	return nil, nil, errors.Errorf("-dataset must be one of %v, got %q", ValidDatasets, *flagDataset)
}

func run(ctx *context.Context, cfg config.Config, runID string) error {
	if !slices.Contains(ValidDatasets, *flagDataset) {
		return errors.Errorf("-dataset must be one of %v, got %q", ValidDatasets, *flagDataset)
	}
	trainSrc, testSrc, err := loadSources(cfg)
	if err != nil {
		return err
	}
	stream, err := data.NewStream(trainSrc, testSrc, cfg.Stream)
	if err != nil {
		return err
	}

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	runDir := path.Join(mldata.ReplaceTildeInDir(cfg.SavePath), runID)
	st := store.New(runDir, cfg.ModelName)
	fmt.Printf("Run %s: saving to %q\n", runID, runDir)

	var progress stages.Progress
	if *flagVerbosity >= 1 {
		progress = commandline.NewProgressBar()
	}
	results, err := stages.Run(backend, ctx, stream, st, progress)
	summaries := report.Summaries(results)
	if len(summaries) > 0 {
		report.Print(os.Stdout, runID, summaries)
		files, reportErr := report.Write(path.Join(runDir, "report"), runID, summaries)
		if reportErr != nil {
			klog.Errorf("Failed to write report: %+v", reportErr)
		} else {
			klog.V(1).Infof("Report written to %v", files)
		}
	}
	return err
}

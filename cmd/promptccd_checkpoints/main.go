// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// promptccd_checkpoints inspects the runs saved by promptccd: the accuracies of each stage, the metrics
// collected during training and the variables of the saved checkpoints.
//
// Usage:
//
//	$ promptccd_checkpoints [flags] <run_dir> [<run_dir>...]
//
// Where run_dir is save_path/run_id of a promptccd run. With more than one run, they are compared side by side.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/promptccd/ccd/report"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagModel = flag.String("model", "promptccd", "Model name used by the run: it prefixes the checkpoint directories.")

	flagStages   = flag.Bool("stages", true, "Display the accuracies of each stage of each run.")
	flagMaxStage = flag.Int("max_stage", 20, "Largest stage to look for when listing the stages.")

	flagStage   = flag.Int("stage", 0, "Stage of the checkpoint inspected by -summary and -vars.")
	flagWhich   = flag.String("which", "best", fmt.Sprintf("Which checkpoint to inspect, one of %v.", ValidWhich))
	flagPart    = flag.String("part", "backbone", fmt.Sprintf("Part of the model to inspect, one of %v.", ValidParts))
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoint sizes.")
	flagVars    = flag.Bool("vars", false, "Lists the variables of the checkpoint, with their statistics.")

	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q of the report.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics Reports.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	runDirs := flag.Args()
	if len(runDirs) == 0 {
		klog.Errorf("Missing run directory to read from. See 'promptccd_checkpoints -help'")
		os.Exit(1)
	}
	if !slices.Contains(ValidWhich, *flagWhich) || !slices.Contains(ValidParts, *flagPart) {
		klog.Errorf("Invalid -which=%q or -part=%q. See 'promptccd_checkpoints -help'", *flagWhich, *flagPart)
		os.Exit(1)
	}
	for ii, runDir := range runDirs {
		runDirs[ii] = mldata.ReplaceTildeInDir(runDir)
	}
	names := MinimalUniquePaths(runDirs...)
	stores := make([]*store.Store, len(runDirs))
	for ii, runDir := range runDirs {
		stores[ii] = store.New(runDir, *flagModel)
	}

	if *flagStages {
		for ii, st := range stores {
			summaries := must.M1(report.LoadSummaries(st, *flagMaxStage))
			if len(summaries) == 0 {
				klog.Warningf("No stage summaries found in %q", runDirs[ii])
				continue
			}
			report.Print(os.Stdout, names[ii], summaries)
		}
	}

	if *flagMetrics {
		filter := must.M1(NewMetricsFilter(*flagMetricsNames, *flagMetricsTypes))
		fmt.Println(titleStyle.Render("Metrics"))
		fmt.Println(must.M1(MetricsTable(names, runDirs, filter)))
	}

	if *flagSummary || *flagVars {
		dirs := make([]string, len(stores))
		allParams := make([]store.Params, len(stores))
		for ii, st := range stores {
			dirs[ii] = must.M1(checkpointDir(st, *flagStage, *flagWhich, *flagPart))
			allParams[ii] = must.M1(store.Load(dirs[ii]))
		}
		if *flagSummary {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Summary: %s %s of stage %d", *flagWhich, *flagPart, *flagStage)))
			fmt.Println(Summary(names, dirs, allParams))
		}
		if *flagVars {
			backend := backends.MustNew()
			for ii, params := range allParams {
				fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %s (%s)", names[ii], dirs[ii])))
				fmt.Println(must.M1(ListVariables(backend, params)))
			}
		}
	}
}

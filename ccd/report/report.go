// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report summarizes a run: a table with the accuracies of every stage, and the training curves
// drawn with gonum/plot.
package report

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/ui/plots"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Metric names of the plot points.
const (
	MetricLoss         = "Train: loss"
	MetricTrainAcc     = "Train: contrastive accuracy"
	MetricOldAcc       = "Validation: old classes accuracy"
	MetricLearningRate = "Learning rate"
)

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	footerStyle = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right).Italic(true)
)

// Summaries of the results of the stages.
func Summaries(results []*stages.StageResult) []stages.Summary {
	summaries := make([]stages.Summary, len(results))
	for ii, result := range results {
		summaries[ii] = result.Summary()
	}
	return summaries
}

// LoadSummaries loads the summaries of stages [0, numStages] saved in st, skipping the missing ones.
func LoadSummaries(st *store.Store, numStages int) ([]stages.Summary, error) {
	var summaries []stages.Summary
	for stage := 0; stage <= numStages; stage++ {
		var summary stages.Summary
		if err := st.LoadSummary(stage, &summary); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				klog.V(1).Infof("no summary for stage %d", stage)
				continue
			}
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func percent(v float64) string { return fmt.Sprintf("%.2f", 100*v) }

// Table renders the final test accuracies (in %) of each stage. If there is more than one stage, a last row
// holds the mean and standard deviation over the stages.
func Table(summaries []stages.Summary) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case row == len(summaries) && len(summaries) > 1:
				return footerStyle
			case col == 0:
				return cellStyle
			}
			return numberStyle
		}).
		Headers("Stage", "K", "Best epoch", "Val old", "All", "Old", "New")
	all := make([]float64, len(summaries))
	old := make([]float64, len(summaries))
	novel := make([]float64, len(summaries))
	for ii, s := range summaries {
		all[ii], old[ii], novel[ii] = s.Test.All, s.Test.Old, s.Test.New
		table.Row(fmt.Sprintf("%d", s.Stage), fmt.Sprintf("%d", s.K), fmt.Sprintf("%d", s.BestEpoch),
			percent(s.BestOldAcc), percent(s.Test.All), percent(s.Test.Old), percent(s.Test.New))
	}
	if len(summaries) > 1 {
		meanStd := func(values []float64) string {
			mean, std := stat.MeanStdDev(values, nil)
			return fmt.Sprintf("%s ± %s", percent(mean), percent(std))
		}
		table.Row("mean", "", "", "", meanStd(all), meanStd(old), meanStd(novel))
	}
	return table.String()
}

// Print writes a title with the run id and the table of the summaries to w.
func Print(w io.Writer, runID string, summaries []stages.Summary) {
	out := termenv.NewOutput(w)
	title := out.String(fmt.Sprintf("Run %s: clustering accuracy on the test split of each stage (%%)", runID)).Bold()
	_, _ = fmt.Fprintln(w, title.String())
	_, _ = fmt.Fprintln(w, Table(summaries))
}

// Points converts the training histories into plot points, numbering the epochs across the stages. It also
// returns the first epoch of each stage.
func Points(summaries []stages.Summary) (points []plots.Point, stageStarts []float64) {
	var offset float64
	for _, s := range summaries {
		stageStarts = append(stageStarts, offset)
		for _, record := range s.History {
			step := offset + float64(record.Epoch)
			points = append(points,
				plots.Point{MetricName: MetricLoss, Short: "loss", MetricType: plots.MetricTypeLoss, Step: step,
					Value: record.Loss},
				plots.Point{MetricName: MetricTrainAcc, Short: "acc", MetricType: plots.MetricTypeAccuracy, Step: step,
					Value: record.TrainAcc},
				plots.Point{MetricName: MetricLearningRate, Short: "lr", MetricType: plots.MetricTypeLearningRate,
					Step: step, Value: record.LearningRate})
			if record.Evaluated {
				points = append(points, plots.Point{MetricName: MetricOldAcc, Short: "old", MetricType: plots.MetricTypeAccuracy,
					Step: step, Value: record.OldAcc})
			}
		}
		offset += float64(len(s.History))
	}
	return
}

// Write saves the plot points (see plots.TrainingPlotFileName), the table and the curves of the loss,
// accuracies and learning rate to dir, creating it if needed. It returns the paths of the files written.
func Write(dir, runID string, summaries []stages.Summary) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating report directory %q", dir)
	}
	rawPoints, stageStarts := Points(summaries)
	var files []string
	pointsPath := path.Join(dir, plots.TrainingPlotFileName)
	if err := plots.SavePoints(pointsPath, rawPoints); err != nil {
		return files, err
	}
	files = append(files, pointsPath)

	tablePath := path.Join(dir, "report.txt")
	f, err := os.Create(tablePath)
	if err != nil {
		return files, errors.Wrapf(err, "creating %q", tablePath)
	}
	Print(f, runID, summaries)
	if err = f.Close(); err != nil {
		return files, errors.Wrapf(err, "writing %q", tablePath)
	}
	files = append(files, tablePath)

	points := plots.NewPoints(rawPoints)
	for _, metricType := range []string{plots.MetricTypeLoss, plots.MetricTypeAccuracy, plots.MetricTypeLearningRate} {
		if len(points.MetricsOfType(metricType)) == 0 {
			continue
		}
		plotPath := path.Join(dir, metricType+".png")
		if err = points.SavePlot(plotPath, fmt.Sprintf("%s (run %s)", metricType, runID), metricType,
			stageStarts[1:]...); err != nil {
			return files, err
		}
		files = append(files, plotPath)
	}
	return files, nil
}

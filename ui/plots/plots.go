// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots holds the metric points collected while training the stages, saves and loads them,
// and draws them with gonum/plot.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// TrainingPlotFileName is the default file name within a save directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Metric types: metrics of the same type are drawn in the same plot.
const (
	MetricTypeLoss         = "loss"
	MetricTypeAccuracy     = "accuracy"
	MetricTypeLearningRate = "learning_rate"
)

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType is one of MetricTypeLoss, MetricTypeAccuracy or MetricTypeLearningRate.
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the epoch this metric was measured, counted from the first epoch of the first stage.
	Step float64

	// Value is the metric captured.
	Value float64
}

// SavePoints writes the points to filePath, one JSON object per line.
func SavePoints(filePath string, points []Point) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plots file %q", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	return errors.Wrapf(f.Close(), "closing plots file %q", filePath)
}

// LoadPointsFromDir loads all plot points saved in file [TrainingPlotFileName] in dir.
func LoadPointsFromDir(dir string) ([]Point, error) {
	return LoadPoints(path.Join(dir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`. Points with NaN or infinite
// values are dropped.
//
// See LoadPoints if you want to read `rawPoints` from a file.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := slices.Sorted(maps.Keys(nameToType))
	slices.SortStableFunc(names, func(a, b string) int {
		switch {
		case nameToType[a] < nameToType[b]:
			return -1
		case nameToType[a] > nameToType[b]:
			return 1
		}
		return 0
	})
	return names
}

// MetricsOfType returns the names of the metrics of the given type, sorted.
func (points Points) MetricsOfType(metricType string) []string {
	var names []string
	for _, name := range points.MetricsNames() {
		var matches bool
		points.Map(func(p *Point) {
			matches = matches || (p.MetricName == name && p.MetricType == metricType)
		})
		if matches {
			names = append(names, name)
		}
	}
	return names
}

// Series returns the (step, value) pairs of the given metric, in step order.
func (points Points) Series(metricName string) plotter.XYs {
	var xys plotter.XYs
	points.Map(func(p *Point) {
		if p.MetricName == metricName {
			xys = append(xys, plotter.XY{X: p.Step, Y: p.Value})
		}
	})
	return xys
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	// Headers from metric names.
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Epoch"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// SavePlot draws one line per metric of the given type and saves it to filePath. The format is taken from the
// extension of filePath ("png", "svg", "pdf", ...).
//
// Vertical lines are drawn at the steps in boundaries, typically the first epoch of each stage.
// It returns an error if there are no points of metricType.
func (points Points) SavePlot(filePath, title, metricType string, boundaries ...float64) error {
	names := points.MetricsOfType(metricType)
	if len(names) == 0 {
		return errors.Errorf("no %q metrics to plot in %q", metricType, filePath)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metricType
	p.Add(plotter.NewGrid())

	minY, maxY := math.Inf(1), math.Inf(-1)
	for ii, name := range names {
		xys := points.Series(name)
		for _, xy := range xys {
			minY, maxY = min(minY, xy.Y), max(maxY, xy.Y)
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	for _, boundary := range boundaries {
		marker, err := plotter.NewLine(plotter.XYs{{X: boundary, Y: minY}, {X: boundary, Y: maxY}})
		if err != nil {
			return errors.Wrap(err, "plotting stage boundaries")
		}
		marker.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(marker)
	}
	p.Legend.Top = true
	if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/promptccd/ui/plots"
	"github.com/pkg/errors"
)

// MetricsFilter selects metrics by a regular expression on their names (or short names) and by their types.
// An empty filter selects everything.
type MetricsFilter struct {
	Names *regexp.Regexp
	Types []string
}

// NewMetricsFilter parses the -metrics_names regular expression and the comma-separated -metrics_types.
func NewMetricsFilter(names, types string) (filter MetricsFilter, err error) {
	if names != "" {
		filter.Names, err = regexp.Compile(names)
		if err != nil {
			return filter, errors.Wrapf(err, "failed to compile -metrics_names=%q", names)
		}
	}
	if types != "" {
		filter.Types = strings.Split(types, ",")
	}
	return
}

// Match returns whether the point is selected. If both names and types are given, matching either is enough.
func (f MetricsFilter) Match(point plots.Point) bool {
	if f.Names == nil && len(f.Types) == 0 {
		return true
	}
	if f.Names != nil && (f.Names.MatchString(point.MetricName) || f.Names.MatchString(point.Short)) {
		return true
	}
	return slices.Contains(f.Types, point.MetricType)
}

// MetricsTable renders the metrics saved in the report directory of each run, one row per epoch. With more
// than one run, the columns are prefixed by the run name.
func MetricsTable(names, runDirs []string, filter MetricsFilter) (string, error) {
	var selected []plots.Point
	for ii, runDir := range runDirs {
		points, err := plots.LoadPointsFromDir(path.Join(runDir, "report"))
		if err != nil {
			return "", err
		}
		for _, point := range points {
			if !filter.Match(point) {
				continue
			}
			if len(runDirs) > 1 {
				point.MetricName = fmt.Sprintf("%s: %s", names[ii], point.MetricName)
			}
			selected = append(selected, point)
		}
	}
	if len(selected) == 0 {
		return "", errors.Errorf("no metrics selected in %q of %v", plots.TrainingPlotFileName, runDirs)
	}
	return plots.NewPoints(selected).String(), nil
}

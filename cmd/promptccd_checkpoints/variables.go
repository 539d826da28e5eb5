// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/pkg/errors"
)

// Values accepted by -which and -part.
var (
	ValidWhich = []string{"best", "latest"}
	ValidParts = []string{"backbone", "head"}
)

// checkpointDir returns the checkpoint directory of the given stage, selected by which (best or latest) and
// part (backbone or head).
func checkpointDir(st *store.Store, stage int, which, part string) (string, error) {
	switch {
	case which == "best" && part == "backbone":
		return st.BestBackboneDir(stage), nil
	case which == "best" && part == "head":
		return st.BestHeadDir(stage), nil
	case which == "latest" && part == "backbone":
		return st.LatestBackboneDir(stage), nil
	case which == "latest" && part == "head":
		return st.LatestHeadDir(stage), nil
	}
	return "", errors.Errorf("invalid -which=%q (valid: %v) or -part=%q (valid: %v)", which, ValidWhich, part, ValidParts)
}

// statsExec computes the mean absolute value, the root-mean-square and the max absolute value of a tensor.
type statsExec struct {
	exec *Exec
}

func newStatsExec(backend backends.Backend) *statsExec {
	return &statsExec{
		exec: NewExec(backend, func(x *Node) []*Node {
			x = ConvertDType(x, dtypes.Float64)
			return []*Node{
				ReduceAllMean(Abs(x)),
				Sqrt(ReduceAllMean(Square(x))),
				ReduceAllMax(Abs(x)),
			}
		}).SetMaxCache(-1),
	}
}

// Stats of t, formatted. Scalars are returned as the value itself, and non-float tensors have no statistics.
func (s *statsExec) Stats(t *tensors.Tensor) (mav, rms, maxAV string, err error) {
	shape := t.Shape()
	if shape.Size() == 1 {
		mav = fmt.Sprintf("%8v", t.Value())
		return
	}
	if !shape.DType.IsFloat() {
		return
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = s.exec.Call(t) })
	if err != nil {
		return "", "", "", errors.WithMessagef(err, "computing statistics of tensor shaped %s", shape)
	}
	mav = fmt.Sprintf("%.3g", outputs[0].Value().(float64))
	rms = fmt.Sprintf("%.3g", outputs[1].Value().(float64))
	maxAV = fmt.Sprintf("%.3g", outputs[2].Value().(float64))
	return
}

// ListVariables renders a table with the variables of a checkpoint, with their shape and statistics.
func ListVariables(backend backends.Backend, params store.Params) (string, error) {
	stats := newStatsExec(backend)
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Variable", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, key := range params.Keys() {
		value := params[key]
		mav, rms, maxAV, err := stats.Stats(value)
		if err != nil {
			return "", errors.WithMessagef(err, "variable %q", key)
		}
		shape := value.Shape()
		table.Row(key, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV)
	}
	return table.Render(), nil
}

// Summary renders a table with the number of variables, parameters and bytes of the checkpoints of each run.
// Rows where the runs differ are highlighted.
func Summary(names []string, dirs []string, allParams []store.Params) string {
	table := newPlainTableWithReds(lipgloss.Right, lipgloss.Left)
	table.Table.Headers(append([]string{"run"}, names...)...)
	table.Row(false, append([]string{"checkpoint"}, dirs...)...)

	numVars := make([]string, len(allParams))
	numParams := make([]string, len(allParams))
	numBytes := make([]string, len(allParams))
	for ii, params := range allParams {
		var size int
		var memory uintptr
		for _, value := range params {
			size += value.Shape().Size()
			memory += value.Shape().Memory()
		}
		numVars[ii] = humanize.Comma(int64(len(params)))
		numParams[ii] = humanize.Comma(int64(size))
		numBytes[ii] = humanize.Bytes(uint64(memory))
	}
	table.Row(!isAllEqual(numVars), append([]string{"# variables"}, numVars...)...)
	table.Row(!isAllEqual(numParams), append([]string{"# parameters"}, numParams...)...)
	table.Row(!isAllEqual(numBytes), append([]string{"# bytes"}, numBytes...)...)
	return table.Table.Render()
}

package main

import (
	"path"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/promptccd/ccd/report"
	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"run-a"}, MinimalUniquePaths("/work/promptccd/run-a/"))
	assert.Equal(t, []string{"run-a", "run-b"}, MinimalUniquePaths("/work/promptccd/run-a", "/work/promptccd/run-b"))
	assert.Equal(t, []string{"x...run-a", "y...run-b"}, MinimalUniquePaths("/work/x/run-a", "/work/y/run-b"))
}

func TestCheckpointDir(t *testing.T) {
	st := store.New("/tmp/run", "promptccd")
	dir, err := checkpointDir(st, 2, "best", "head")
	require.NoError(t, err)
	assert.Equal(t, st.BestHeadDir(2), dir)
	dir, err = checkpointDir(st, 1, "latest", "backbone")
	require.NoError(t, err)
	assert.Equal(t, st.LatestBackboneDir(1), dir)
	_, err = checkpointDir(st, 1, "worst", "backbone")
	require.Error(t, err)
}

func TestListVariables(t *testing.T) {
	params := store.Params{
		"/backbone/cls_token": tensors.FromValue([][]float32{{3, -4}, {0, 1}}),
		"/backbone/scale":     tensors.FromValue(float32(0.5)),
		"/backbone/ids":       tensors.FromValue([]int32{1, 2}),
	}
	rendered, err := ListVariables(backends.MustNew(), params)
	require.NoError(t, err)
	for _, want := range []string{"/backbone/cls_token", "(Float32)[2 2]", "2", "2.5", "4"} {
		assert.Contains(t, rendered, want)
	}

	dir := path.Join(t.TempDir(), "ckpt")
	require.NoError(t, store.Save(dir, params))
	loaded, err := store.Load(dir)
	require.NoError(t, err)
	summary := Summary([]string{"run-a", "run-b"}, []string{dir, dir}, []store.Params{loaded, params})
	assert.Contains(t, summary, "# parameters")
	assert.Contains(t, summary, "run-b")
}

func TestMetricsTable(t *testing.T) {
	runDirs := []string{path.Join(t.TempDir(), "run-a"), path.Join(t.TempDir(), "run-b")}
	summaries := []stages.Summary{{
		Stage: 0, K: 2,
		History: []stages.EpochRecord{
			{Epoch: 0, LearningRate: 0.1, Loss: 3, TrainAcc: 0.25, Evaluated: true, OldAcc: 0.5},
			{Epoch: 1, LearningRate: 0.05, Loss: 2, TrainAcc: 0.5},
		},
	}}
	for _, runDir := range runDirs {
		_, err := report.Write(path.Join(runDir, "report"), "test", summaries)
		require.NoError(t, err)
	}

	filter, err := NewMetricsFilter("loss", "")
	require.NoError(t, err)
	table, err := MetricsTable([]string{"run-a"}, runDirs[:1], filter)
	require.NoError(t, err)
	assert.Contains(t, table, report.MetricLoss)
	assert.Contains(t, table, "3.0000")
	assert.NotContains(t, table, report.MetricOldAcc)

	filter, err = NewMetricsFilter("", plots.MetricTypeAccuracy)
	require.NoError(t, err)
	table, err = MetricsTable([]string{"run-a", "run-b"}, runDirs, filter)
	require.NoError(t, err)
	assert.Contains(t, table, "run-b: "+report.MetricOldAcc)
	assert.NotContains(t, table, report.MetricLoss)

	filter, err = NewMetricsFilter("no-such-metric", "")
	require.NoError(t, err)
	_, err = MetricsTable([]string{"run-a"}, runDirs[:1], filter)
	require.Error(t, err)

	_, err = NewMetricsFilter("(", "")
	require.Error(t, err)
}

package report

import (
	"bytes"
	"os"
	"path"
	"testing"

	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/gomlx/promptccd/ccd/store"
	"github.com/gomlx/promptccd/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSummaries() []stages.Summary {
	return []stages.Summary{
		{Stage: 0, K: 2, BestOldAcc: 0.8, BestEpoch: 1,
			Test: stages.TestSummary{All: 0.75, Old: 0.75},
			History: []stages.EpochRecord{
				{Epoch: 0, LearningRate: 0.1, Loss: 3, TrainAcc: 0.2, Refit: true, Evaluated: true, OldAcc: 0.5},
				{Epoch: 1, LearningRate: 0.05, Loss: 2, TrainAcc: 0.4},
			}},
		{Stage: 1, K: 4, BestOldAcc: 0.6, BestEpoch: 0,
			Test: stages.TestSummary{All: 0.5, Old: 0.625, New: 0.25},
			History: []stages.EpochRecord{
				{Epoch: 0, LearningRate: 0.1, Loss: 2.5, TrainAcc: 0.3, Evaluated: true, OldAcc: 0.6},
			}},
	}
}

func TestTable(t *testing.T) {
	table := Table(testSummaries())
	for _, want := range []string{"Stage", "Best epoch", "75.00", "62.50", "25.00", "mean", "62.50 ± 17.68"} {
		assert.Contains(t, table, want)
	}
	assert.NotContains(t, Table(testSummaries()[:1]), "mean")

	var buf bytes.Buffer
	Print(&buf, "run-1", testSummaries())
	assert.Contains(t, buf.String(), "Run run-1")
}

func TestPoints(t *testing.T) {
	points, starts := Points(testSummaries())
	assert.Equal(t, []float64{0, 2}, starts)
	assert.Len(t, points, 3*3+2)
	byStep := plots.NewPoints(points)
	assert.Equal(t, []string{MetricTrainAcc, MetricOldAcc}, byStep.MetricsOfType(plots.MetricTypeAccuracy))
	oldAcc := byStep.Series(MetricOldAcc)
	require.Len(t, oldAcc, 2)
	assert.Equal(t, 2.0, oldAcc[1].X, "second stage starts at epoch 2")
	assert.Equal(t, 0.6, oldAcc[1].Y)
}

func TestWrite(t *testing.T) {
	dir := path.Join(t.TempDir(), "report")
	files, err := Write(dir, "run-1", testSummaries())
	require.NoError(t, err)
	require.Len(t, files, 5)
	for _, file := range files {
		info, err := os.Stat(file)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0), file)
	}
	loaded, err := plots.LoadPointsFromDir(dir)
	require.NoError(t, err)
	assert.Len(t, loaded, 11)
}

func TestLoadSummaries(t *testing.T) {
	st := store.New(t.TempDir(), "promptccd")
	summaries := testSummaries()
	require.NoError(t, st.SaveSummary(0, summaries[0]))
	require.NoError(t, st.SaveSummary(2, summaries[1]))
	loaded, err := LoadSummaries(st, 3)
	require.NoError(t, err)
	assert.Equal(t, summaries, loaded)
}

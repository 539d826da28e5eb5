package plots

import (
	"math"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoints() []Point {
	return []Point{
		{MetricName: "Train: loss", Short: "T/loss", MetricType: MetricTypeLoss, Step: 1, Value: 1.5},
		{MetricName: "Train: loss", Short: "T/loss", MetricType: MetricTypeLoss, Step: 0, Value: 2},
		{MetricName: "Old accuracy", Short: "Old", MetricType: MetricTypeAccuracy, Step: 1, Value: 0.5},
		{MetricName: "Train: accuracy", Short: "T/acc", MetricType: MetricTypeAccuracy, Step: 0, Value: 0.25},
		{MetricName: "Train: accuracy", Short: "T/acc", MetricType: MetricTypeAccuracy, Step: 1, Value: math.NaN()},
	}
}

func TestPoints(t *testing.T) {
	points := NewPoints(testPoints())
	assert.Len(t, points.Extract(), 4, "NaN dropped")
	assert.Equal(t, []string{"Old accuracy", "Train: accuracy", "Train: loss"}, points.MetricsNames())
	assert.Equal(t, []string{"Train: loss"}, points.MetricsOfType(MetricTypeLoss))

	series := points.Series("Train: loss")
	require.Len(t, series, 2)
	assert.Equal(t, 0.0, series[0].X)
	assert.Equal(t, 2.0, series[0].Y)
	assert.Equal(t, 1.5, series[1].Y)

	table := points.TableForMetrics("Train: loss")
	assert.Contains(t, table, "Epoch")
	assert.Contains(t, table, "1.5000")
	assert.NotContains(t, table, "0.5000")
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	raw := NewPoints(testPoints()).Extract()
	require.NoError(t, SavePoints(path.Join(dir, TrainingPlotFileName), raw))
	loaded, err := LoadPointsFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, raw, loaded)

	_, err = LoadPointsFromDir(path.Join(dir, "missing"))
	require.Error(t, err)
}

func TestSavePlot(t *testing.T) {
	dir := t.TempDir()
	points := NewPoints(testPoints())
	filePath := path.Join(dir, "accuracy.png")
	require.NoError(t, points.SavePlot(filePath, "Accuracy", MetricTypeAccuracy, 1))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.Error(t, points.SavePlot(path.Join(dir, "lr.png"), "LR", MetricTypeLearningRate))
}

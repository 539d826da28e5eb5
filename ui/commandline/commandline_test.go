package commandline

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/promptccd/ccd/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("x", 11.0)
	ctx.SetParam("y", 7)
	ctx.SetParam("z", false)
	ctx.SetParam("s", "foo")
	ctx.SetParam("list_int", []int{})
	ctx.SetParam("list_float", []float64{})
	ctx.SetParam("list_str", []string{})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx, "x=13;/a/z=true;/a/b/y=3;s=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "/a/z", "/a/b/y", "s", "list_int", "list_float", "list_str"}, paramsSet)
	x, found := ctx.GetParam("x")
	assert.True(t, found)
	assert.Equal(t, 13.0, x.(float64))

	y, found := ctx.GetParam("y")
	assert.True(t, found)
	assert.Equal(t, 7, y)
	y, _ = ctx.In("a").GetParam("y")
	assert.Equal(t, 7, y)
	y, _ = ctx.In("a").In("b").GetParam("y")
	assert.Equal(t, 3, y)

	z, found := ctx.GetParam("z")
	assert.True(t, found)
	assert.False(t, z.(bool))
	z, _ = ctx.In("a").GetParam("z")
	assert.True(t, z.(bool))

	s, found := ctx.GetParam("s")
	assert.True(t, found)
	assert.Equal(t, "bar", s.(string))

	assert.Equal(t, []int{1, 3, 7}, context.GetParamOr(ctx, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, context.GetParamOr(ctx, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "list_str", []string{}))

	// Large numbers and empty lists.
	_, err = ParseContextSettings(ctx, "y=1_000_000;list_int=")
	require.NoError(t, err)
	assert.Equal(t, 1000000, context.GetParamOr(ctx, "y", 0))
	assert.Empty(t, context.GetParamOr(ctx, "list_int", []int{1}))

	// Parameter "q" is unknown.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Parameter "q" is still unknown in root.
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseContextSettings(ctx, "y=3.14")
	require.Error(t, err)
	_, err = ParseContextSettings(ctx, "list_float=0.1,x")
	require.Error(t, err)

	// Cannot parse setting with scope not absolute.
	_, err = ParseContextSettings(ctx, "a/abc=3.14")
	require.Error(t, err)

	_, err = ParseContextSettings(ctx, "x")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := path.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nx=1.5\n\ny=2;s=from file\n"), 0644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+filePath+";z=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "s", "z"}, paramsSet)
	assert.Equal(t, 1.5, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, "from file", context.GetParamOr(ctx, "s", ""))

	modified := SprintModifiedContextSettings(ctx, append(paramsSet, "x"))
	assert.Equal(t, 4, strings.Count(modified, "\n")+1, "duplicates are printed once")
	assert.Contains(t, modified, `"s": (string) from file`)

	_, err = ParseContextSettings(ctx, "file:"+path.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567*time.Microsecond))
	assert.Equal(t, "12.3s", FormatDuration(12345*time.Millisecond))
	assert.Equal(t, "2m3s", FormatDuration(123456*time.Millisecond))
	assert.Equal(t, "123ms", FormatDuration(123456*time.Microsecond))
	assert.Equal(t, "5.68ms", FormatDuration(5678*time.Microsecond))
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "-1.5s", FormatDuration(-1500*time.Millisecond))
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	var progress stages.Progress = NewProgressBarTo(&buf)
	for epoch := range 2 {
		progress.StartEpoch(1, epoch, 3)
		for range 3 {
			progress.Batch(2.0, 0.5)
		}
		progress.EndEpoch(stages.EpochRecord{Epoch: epoch, LearningRate: 0.1, Loss: 2, TrainAcc: 0.5,
			Refit: epoch == 0, Evaluated: true, OldAcc: 0.25})
	}
	out := buf.String()
	assert.Contains(t, out, "1 / 1")
	assert.Contains(t, out, "2.0000")
	assert.Contains(t, out, "50.00%")
	assert.Contains(t, out, "refit")
	assert.Equal(t, 1, strings.Count(out, "(best)"), "only the first epoch improves the old accuracy")
}

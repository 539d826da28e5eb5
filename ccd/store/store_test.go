package store

import (
	"errors"
	"io/fs"
	"path"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *context.Context {
	ctx := context.New()
	ctx.In("backbone").In("blocks").In("0").VariableWithValue("scale", []float32{1, 2, 3})
	ctx.In("backbone").VariableWithValue("cls_token", [][]float32{{0.5, -0.5}})
	ctx.In("proj_head").VariableWithValue("weights", [][]float32{{1}, {2}})
	return ctx
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := testContext()
	backbone := Snapshot(ctx, "/backbone")
	assert.Equal(t, []string{"/backbone/blocks/0/scale", "/backbone/cls_token"}, backbone.Keys())
	head := Snapshot(ctx, "/proj_head")
	assert.Equal(t, []string{"/proj_head/weights"}, head.Keys())

	// Snapshots are copies.
	ctx.InspectVariable("/backbone/blocks/0", "scale").SetValue(tensors.FromValue([]float32{0, 0, 0}))
	assert.Equal(t, []float32{1, 2, 3}, backbone["/backbone/blocks/0/scale"].Value())

	// Restore into the existing variables, and into a new context.
	require.NoError(t, Restore(ctx, backbone))
	assert.Equal(t, []float32{1, 2, 3}, ctx.InspectVariable("/backbone/blocks/0", "scale").Value().Value())
	fresh := context.New()
	require.NoError(t, Restore(fresh, backbone))
	assert.Equal(t, [][]float32{{0.5, -0.5}}, fresh.InspectVariable("/backbone", "cls_token").Value().Value())

	// Shape mismatch.
	bad := Params{"/backbone/cls_token": tensors.FromValue([]float32{1})}
	require.Error(t, Restore(ctx, bad))
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := testContext()
	st := New(dir, "promptccd")
	assert.Equal(t, path.Join(dir, "model", "promptccd_stage_2_model"), st.LatestBackboneDir(2))
	assert.Equal(t, path.Join(dir, "model", "promptccd_stage_2_model_proj_head"), st.LatestHeadDir(2))
	assert.Equal(t, path.Join(dir, "model", "promptccd_stage_2_model_best"), st.BestBackboneDir(2))
	assert.Equal(t, path.Join(dir, "model", "promptccd_stage_2_proj_head_best"), st.BestHeadDir(2))

	backbone, head := Snapshot(ctx, "/backbone"), Snapshot(ctx, "/proj_head")
	require.NoError(t, st.SaveBest(0, backbone, head))
	require.NoError(t, st.SaveLatest(0, backbone, head))
	// Overwriting keeps only the last values.
	backbone["/backbone/cls_token"] = tensors.FromValue([][]float32{{7, 8}})
	require.NoError(t, st.SaveBest(0, backbone, head))

	loadedBackbone, loadedHead, err := st.LoadBest(0)
	require.NoError(t, err)
	assert.Equal(t, backbone.Keys(), loadedBackbone.Keys())
	assert.Equal(t, head.Keys(), loadedHead.Keys())
	assert.Equal(t, [][]float32{{7, 8}}, loadedBackbone["/backbone/cls_token"].Value())
	assert.Equal(t, []float32{1, 2, 3}, loadedBackbone["/backbone/blocks/0/scale"].Value())
	assert.Equal(t, [][]float32{{1}, {2}}, loadedHead["/proj_head/weights"].Value())

	_, _, err = st.LoadBest(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "missing checkpoint error should wrap fs.ErrNotExist: %v", err)
}

func TestLoadOnlySavedVariables(t *testing.T) {
	dir := path.Join(t.TempDir(), "head")
	head := Snapshot(testContext(), "/proj_head")
	require.NoError(t, Save(dir, head))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/proj_head/weights"}, loaded.Keys())
	assert.Equal(t, [][]float32{{1}, {2}}, loaded["/proj_head/weights"].Value())
}

func TestSummary(t *testing.T) {
	type summary struct {
		Stage  int       `yaml:"stage"`
		OldAcc float64   `yaml:"old_acc"`
		Losses []float64 `yaml:"losses"`
	}
	st := New(t.TempDir(), "m")
	want := summary{Stage: 1, OldAcc: 0.75, Losses: []float64{2, 1.5}}
	require.NoError(t, st.SaveSummary(1, want))
	var got summary
	require.NoError(t, st.LoadSummary(1, &got))
	assert.Equal(t, want, got)
	require.Error(t, st.LoadSummary(2, &got))
}

func TestSplitKey(t *testing.T) {
	scope, name := splitKey("var:/backbone/norm/scale")
	assert.Equal(t, "/backbone/norm", scope)
	assert.Equal(t, "scale", name)
	scope, name = splitKey("/w")
	assert.Equal(t, "/", scope)
	assert.Equal(t, "w", name)
	assert.Equal(t, "/w", joinKey(scope, name))
	_, name = splitKey("nothing")
	assert.Equal(t, "", name)
}

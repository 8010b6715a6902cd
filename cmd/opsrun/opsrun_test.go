package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mords94/OPS/pkg/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeatRanksAgree(t *testing.T) {
	serial, err := runHeat(&heatOptions{Ranks: 1, Size: []int{8, 6}, Steps: 5}, nil)
	require.NoError(t, err)
	require.Len(t, serial.Residuals, 5)
	assert.Greater(t, serial.Residuals[0], serial.Residuals[4])
	// The x=0 edge holds 6 cells at temperature 1, heat only flows in.
	assert.Greater(t, serial.Total, 6.0)

	distributed, err := runHeat(&heatOptions{Ranks: 4, Size: []int{8, 6}, Steps: 5}, nil)
	require.NoError(t, err)
	require.Len(t, distributed.Residuals, 5)
	for ii := range serial.Residuals {
		assert.InDelta(t, serial.Residuals[ii], distributed.Residuals[ii], 1e-12, "step %d", ii)
	}
	assert.InDelta(t, serial.Total, distributed.Total, 1e-12)

	names := make([]string, len(distributed.Stats))
	for ii, s := range distributed.Stats {
		names[ii] = s.Name
	}
	assert.Equal(t, []string{"copy", "jacobi", "total"}, names)
	assert.Equal(t, 5, distributed.Stats[1].Count)
	assert.Positive(t, distributed.Stats[1].HaloBytes)

	var out bytes.Buffer
	distributed.report(&out)
	assert.Contains(t, out.String(), "jacobi")
	assert.Contains(t, out.String(), "total heat")
}

func TestHeatErrors(t *testing.T) {
	for _, opts := range []heatOptions{
		{Ranks: 0, Size: []int{8, 8}},
		{Ranks: 1, Size: []int{8}},
		{Ranks: 1, Size: []int{2, 8}},
		{Ranks: 1, Size: []int{8, 8}, Steps: -1},
		{Ranks: 1, Size: []int{8, 8}, Config: "missing.toml"},
	} {
		_, err := runHeat(&opts, nil)
		assert.Error(t, err, "%+v", opts)
	}
}

func TestHeatReplay(t *testing.T) {
	dir := t.TempDir()
	cfgFile := func(mode string) string {
		path := filepath.Join(dir, mode+".toml")
		content := fmt.Sprintf("[grid]\ndims = [2, 1]\n\n[checkpoint]\ndir = %q\nmode = %q\n",
			filepath.Join(dir, "ckpt"), mode)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}
	recorded, err := runHeat(&heatOptions{Ranks: 2, Size: []int{8, 8}, Steps: 3, Config: cfgFile("record")}, nil)
	require.NoError(t, err)
	assert.Zero(t, recorded.Replayed)
	list, err := checkpoints.ListCheckpoints(filepath.Join(dir, "ckpt"))
	require.NoError(t, err)
	require.Len(t, list, 2, "one checkpoint per rank")

	// A different plate replays the recorded residuals.
	replayed, err := runHeat(&heatOptions{Ranks: 2, Size: []int{12, 8}, Steps: 3, Config: cfgFile("replay")}, nil)
	require.NoError(t, err)
	assert.Equal(t, recorded.Residuals, replayed.Residuals)
	assert.Equal(t, recorded.Total, replayed.Total)
	assert.Equal(t, 4, replayed.Replayed)

	var out bytes.Buffer
	require.NoError(t, listCheckpoints(filepath.Join(dir, "ckpt"), &out))
	assert.Contains(t, out.String(), "2 checkpoints")
}

func TestListCheckpointsEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listCheckpoints(t.TempDir(), &out))
	assert.Contains(t, out.String(), "no checkpoints")
	assert.Error(t, listCheckpoints(filepath.Join(t.TempDir(), "missing"), &out))
}

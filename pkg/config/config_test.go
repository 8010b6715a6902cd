package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mords94/OPS/pkg/checkpoints"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/mords94/OPS/pkg/transport/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/heat.toml")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Diagnostics)
	assert.True(t, cfg.Eager)
	assert.Equal(t, []int{2, 2}, cfg.GridDims)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, Checkpoint{Dir: "runs/heat", Mode: CheckpointRecord, Keep: 3}, cfg.Checkpoint)
	assert.Len(t, cfg.PartitionOptions(), 1)

	cfg, err = Load("testdata/replay.toml")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Diagnostics)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Empty(t, cfg.PartitionOptions())
	assert.Equal(t, Checkpoint{SQLite: "runs.db", Mode: CheckpointReplay, Keep: -1}, cfg.Checkpoint)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("testdata/missing.toml")
	assert.ErrorContains(t, err, "testdata/missing.toml")
	_, err = Load("testdata/unknown.toml")
	assert.ErrorContains(t, err, "eagre")

	for name, content := range map[string]string{
		"negative diagnostics": "diagnostics = -1",
		"bad grid":             "[grid]\ndims = [2, 0]",
		"too many axes":        "[grid]\ndims = [1, 1, 1, 1, 1, 1]",
		"bad timeout":          "[transport]\ntimeout = \"soon\"",
		"bad mode":             "[checkpoint]\ndir = \"x\"\nmode = \"sometimes\"",
		"no store":             "[checkpoint]\nmode = \"record\"",
		"both stores":          "[checkpoint]\ndir = \"x\"\nsqlite = \"y\"",
		"keep zero":            "[checkpoint]\ndir = \"x\"\nkeep = 0",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.toml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), path)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := expandHome("~/runs")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "runs"), got)
	got, err = expandHome("runs/~")
	require.NoError(t, err)
	assert.Equal(t, "runs/~", got)
}

func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.Diagnostics = 1
	cfg.Eager = true
	options, handler, err := cfg.Options(0)
	require.NoError(t, err)
	assert.Nil(t, handler)
	inst, err := ops.New(local.NewWorld(1).Process(0), options...)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Diagnostics())
	require.NoError(t, inst.Exit())

	cfg.Checkpoint = Checkpoint{Dir: t.TempDir(), Mode: CheckpointReplay, Keep: 1}
	require.NoError(t, cfg.Validate())
	options, handler, err = cfg.Options(2)
	require.NoError(t, err)
	require.NotNil(t, handler)
	defer func() { require.NoError(t, handler.Close()) }()
	assert.Len(t, options, 3)
	assert.Equal(t, 2, handler.Rank())
	assert.Equal(t, checkpoints.ModeReplay, handler.Mode())
}

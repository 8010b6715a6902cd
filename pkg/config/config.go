// Package config loads the runtime configuration of an ops program from a TOML file:
//
//	diagnostics = 1
//	eager = false
//
//	[grid]
//	dims = [2, 2]
//
//	[transport]
//	timeout = "30s"
//
//	[checkpoint]
//	dir = "~/runs/heat"
//	mode = "record"   # "off", "record" or "replay"
//	keep = 3
//
// Missing keys take the values of Default.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mords94/OPS/pkg/checkpoints"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/pkg/errors"
)

// Checkpoint modes accepted in the [checkpoint] section.
const (
	CheckpointOff    = "off"
	CheckpointRecord = "record"
	CheckpointReplay = "replay"
)

// Config is the runtime configuration.
type Config struct {
	// Diagnostics level of the instances, see ops.WithDiagnostics.
	Diagnostics int
	// Eager executes kernels as they are enqueued.
	Eager bool
	// GridDims is the shape of the process grid. Empty lets the runtime choose.
	GridDims []int
	// Timeout of blocking transport operations, 0 for none.
	Timeout time.Duration

	Checkpoint Checkpoint
}

// Checkpoint configures the recording or replay of reduction results.
type Checkpoint struct {
	Dir    string
	SQLite string
	Mode   string
	Keep   int
}

type fileConfig struct {
	Diagnostics int  `toml:"diagnostics"`
	Eager       bool `toml:"eager"`
	Grid        struct {
		Dims []int `toml:"dims"`
	} `toml:"grid"`
	Transport struct {
		Timeout string `toml:"timeout"`
	} `toml:"transport"`
	Checkpoint struct {
		Dir    string `toml:"dir"`
		SQLite string `toml:"sqlite"`
		Mode   string `toml:"mode"`
		Keep   int    `toml:"keep"`
	} `toml:"checkpoint"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Timeout: 30 * time.Second,
		Checkpoint: Checkpoint{
			Mode: CheckpointOff,
			Keep: 1,
		},
	}
}

// Load reads the TOML file at path over the Default configuration and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config parse failed (%s)", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for ii, key := range undecoded {
			keys[ii] = key.String()
		}
		return Config{}, errors.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("diagnostics") {
		cfg.Diagnostics = raw.Diagnostics
	}
	if meta.IsDefined("eager") {
		cfg.Eager = raw.Eager
	}
	if meta.IsDefined("grid", "dims") {
		cfg.GridDims = raw.Grid.Dims
	}
	if meta.IsDefined("transport", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Transport.Timeout))
		if err != nil {
			return Config{}, errors.Wrapf(err, "config %s: parse transport.timeout", path)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("checkpoint", "dir") {
		cfg.Checkpoint.Dir, err = expandHome(strings.TrimSpace(raw.Checkpoint.Dir))
		if err != nil {
			return Config{}, errors.WithMessagef(err, "config %s: checkpoint.dir", path)
		}
	}
	if meta.IsDefined("checkpoint", "sqlite") {
		cfg.Checkpoint.SQLite, err = expandHome(strings.TrimSpace(raw.Checkpoint.SQLite))
		if err != nil {
			return Config{}, errors.WithMessagef(err, "config %s: checkpoint.sqlite", path)
		}
	}
	if meta.IsDefined("checkpoint", "mode") {
		cfg.Checkpoint.Mode = strings.ToLower(strings.TrimSpace(raw.Checkpoint.Mode))
	} else if cfg.Checkpoint.Dir != "" || cfg.Checkpoint.SQLite != "" {
		cfg.Checkpoint.Mode = CheckpointRecord
	}
	if meta.IsDefined("checkpoint", "keep") {
		cfg.Checkpoint.Keep = raw.Checkpoint.Keep
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks the values are consistent.
func (c Config) Validate() error {
	if c.Diagnostics < 0 {
		return errors.Errorf("diagnostics level must be >= 0, got %d", c.Diagnostics)
	}
	if len(c.GridDims) > ops.MaxDim {
		return errors.Errorf("grid.dims has %d axes, at most %d are supported", len(c.GridDims), ops.MaxDim)
	}
	for axis, n := range c.GridDims {
		if n < 1 {
			return errors.Errorf("grid.dims[%d] must be >= 1, got %d", axis, n)
		}
	}
	if c.Timeout < 0 {
		return errors.Errorf("transport.timeout must be >= 0, got %s", c.Timeout)
	}
	switch c.Checkpoint.Mode {
	case CheckpointOff:
		return nil
	case CheckpointRecord, CheckpointReplay:
	default:
		return errors.Errorf("checkpoint.mode must be %q, %q or %q, got %q",
			CheckpointOff, CheckpointRecord, CheckpointReplay, c.Checkpoint.Mode)
	}
	if (c.Checkpoint.Dir == "") == (c.Checkpoint.SQLite == "") {
		return errors.Errorf("checkpoint mode %q requires exactly one of checkpoint.dir or checkpoint.sqlite",
			c.Checkpoint.Mode)
	}
	if c.Checkpoint.Keep < -1 || c.Checkpoint.Keep == 0 {
		return errors.Errorf("checkpoint.keep must be -1 (keep all) or >= 1, got %d", c.Checkpoint.Keep)
	}
	return nil
}

// Options returns the instance options for the process of the given rank. The checkpoint
// Handler, if one is configured, is returned as well: the caller saves and closes it.
func (c Config) Options(rank int) ([]ops.Option, *checkpoints.Handler, error) {
	options := []ops.Option{ops.WithDiagnostics(c.Diagnostics)}
	if c.Eager {
		options = append(options, ops.WithEagerExecution())
	}
	if c.Checkpoint.Mode == CheckpointOff || c.Checkpoint.Mode == "" {
		return options, nil, nil
	}
	mode, err := checkpoints.ParseMode(c.Checkpoint.Mode)
	if err != nil {
		return nil, nil, err
	}
	builder := checkpoints.Build(rank).Mode(mode).Keep(c.Checkpoint.Keep)
	if c.Checkpoint.Dir != "" {
		builder = builder.Dir(c.Checkpoint.Dir)
	} else {
		builder = builder.SQLite(c.Checkpoint.SQLite)
	}
	handler, err := builder.Done()
	if err != nil {
		return nil, nil, err
	}
	return append(options, ops.WithCheckpointer(handler)), handler, nil
}

// PartitionOptions returns the options for Instance.Partition.
func (c Config) PartitionOptions() []ops.PartitionOption {
	if len(c.GridDims) == 0 {
		return nil
	}
	return []ops.PartitionOption{ops.WithGridDims(c.GridDims...)}
}

// expandHome replaces a leading "~" by the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand %q", path)
	}
	return filepath.Join(home, path[1:]), nil
}

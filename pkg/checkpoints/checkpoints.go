// Package checkpoints records the results of global reductions of a run, so the run can later be
// replayed with the same values.
//
// The main object is the Handler, created by calling Build, followed by the various options
// and finally Config.Done. A Handler implements ops.Checkpointer and is attached to an
// instance with ops.WithCheckpointer:
//
//	checkpoint := checkpoints.Build(rank).Dir(*flagCheckpoint).Keep(3).MustDone()
//	defer checkpoint.Close()
//	inst, err := ops.New(rt, ops.WithCheckpointer(checkpoint))
//	…
//	// Every few iterations:
//	if err := checkpoint.Save(); err != nil { … }
//
// Results are stored either in a directory (a JSON metadata file plus a binary data file per
// checkpoint and rank) or in a SQLite database (see Config.SQLite).
//
// In ModeReplay the Handler loads the latest checkpoint of its rank when it is created, and
// returns the stored values instead of the live ones while the stored log lasts.
package checkpoints

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	rank int
	err  error

	// Exactly one of the two is set.
	dir, sqlitePath string

	keep      int
	mode      Mode
	binFormat BinFormat
}

// Build a configuration for the checkpoints.Handler of the given rank. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// Each rank of a process group records its own reduction results: ranks may share the same
// directory or database.
//
// See Config.Dir, Config.TempDir or Config.SQLite to specify where to load/save.
func Build(rank int) *Config {
	return &Config{
		rank: rank,
		keep: 1,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
//
// One must set either Dir, TempDir or SQLite before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil {
		if !fi.IsDir() {
			c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		}
		return c
	}
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// TempDir creates a temporary directory under dir, named after pattern, to hold the checkpoints.
// If `pattern` includes a "*", the random string replaces the last "*" instead (see os.MkdirTemp).
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	err = os.Chmod(c.dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// SQLite stores the checkpoints in the SQLite database at path, created if it doesn't exist.
func (c *Config) SQLite(path string) *Config {
	c.sqlitePath = path
	return c
}

// Keep configures the number of checkpoints (or SQLite runs) kept per rank. If set to -1, it will
// never erase older checkpoints. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Mode sets whether the Handler records (the default) or replays reduction results.
func (c *Config) Mode(m Mode) *Config {
	if m != ModeRecord && m != ModeReplay {
		c.setError(errors.Errorf("invalid checkpoint mode %s", m))
		return c
	}
	c.mode = m
	return c
}

// WithCompression sets the binary format of directory checkpoints. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinGZIP && bf != BinUncompressed {
		c.binFormat = BinGZIP
	}
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
//
// In ModeReplay the latest checkpoint of the rank is loaded here. Having none is not an error:
// the Handler then simply records.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" && c.sqlitePath == "" {
		return nil, errors.New("directory or database for checkpoints not configured")
	}
	if c.dir != "" && c.sqlitePath != "" {
		return nil, errors.New("cannot use both Dir/TempDir and SQLite at the same time, choose one")
	}
	if c.rank < 0 {
		return nil, errors.Errorf("invalid rank %d for checkpoints", c.rank)
	}
	h := &Handler{
		config: c,
		run:    uuid.NewString(),
		replay: make(map[recordKey][]byte),
	}
	var err error
	if c.dir != "" {
		h.store, err = openDirStore(c.dir, c.rank, c.keep, c.binFormat)
	} else {
		h.store, err = openSQLiteStore(c.sqlitePath, c.rank, c.keep)
	}
	if err != nil {
		return nil, err
	}
	if c.mode == ModeReplay {
		records, err := h.store.load()
		if err != nil {
			_ = h.store.close()
			return nil, errors.WithMessagef(err, "%s: failed to load checkpoint to replay", h)
		}
		for _, r := range records {
			h.replay[recordKey{r.Name, r.Seq}] = r.Data
		}
		if klog.V(1).Enabled() {
			klog.Infof("%s: replaying %d reduction results", h, len(records))
		}
	}
	return h, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "Failed to create checkpoints.Handler"))
	}
	return h
}

// Record is one reduction result read by the program: the seq-th read of the reduction Name.
type Record struct {
	Name string
	Seq  int
	Data []byte
}

type recordKey struct {
	name string
	seq  int
}

// Handler records (and replays) the reduction results of one rank. See an example in the
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done(). Saving is explicit, by calling Handler.Save().
type Handler struct {
	config *Config
	store  store
	run    string

	mu       sync.Mutex
	records  []Record
	replay   map[recordKey][]byte
	replayed int
}

// store is where checkpoints are persisted.
type store interface {
	// load returns the records of the latest checkpoint of the rank, or nil if there is none.
	load() ([]Record, error)
	// save persists a new checkpoint with the records of the run.
	save(run string, records []Record) error
	close() error
	fmt.Stringer
}

// String implements Stringer.
func (h *Handler) String() string {
	if h == nil {
		return "checkpoints.Handler(nil)"
	}
	return fmt.Sprintf("checkpoints.Handler(%s, rank %d)", h.store, h.config.rank)
}

// Rank of the process the Handler records for.
func (h *Handler) Rank() int { return h.config.rank }

// Run returns the unique id of the run being recorded.
func (h *Handler) Run() string { return h.run }

// Mode the Handler was built with.
func (h *Handler) Mode() Mode { return h.config.mode }

// ReductionResult implements ops.Checkpointer.
//
// In ModeRecord it keeps a copy of live and returns it. In ModeReplay it returns the stored value
// for (name, seq) if there is one, and otherwise behaves as in ModeRecord.
// Either way the returned value is recorded, so saving a replayed run reproduces its log.
func (h *Handler) ReductionResult(name string, seq int, live []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value := live
	if stored, found := h.replay[recordKey{name, seq}]; found {
		delete(h.replay, recordKey{name, seq})
		h.replayed++
		value = stored
		if klog.V(2).Enabled() {
			klog.Infof("%s: replaying reduction %q #%d", h, name, seq)
		}
	}
	h.records = append(h.records, Record{Name: name, Seq: seq, Data: append([]byte(nil), value...)})
	return value, nil
}

// Records returns a copy of the reduction results recorded so far, in the order they were read.
func (h *Handler) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := make([]Record, len(h.records))
	for ii, r := range h.records {
		records[ii] = Record{Name: r.Name, Seq: r.Seq, Data: append([]byte(nil), r.Data...)}
	}
	return records
}

// Replayed returns how many reduction results were answered from the loaded checkpoint.
func (h *Handler) Replayed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replayed
}

// Save persists a new checkpoint with all the reduction results read so far.
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.save(h.run, h.records); err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint", h)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: saved %d reduction results", h, len(h.records))
	}
	return nil
}

// ListCheckpoints returns the base names of the checkpoints of the Handler's rank, older first.
// It returns nil for a SQLite Handler.
func (h *Handler) ListCheckpoints() ([]string, error) {
	ds, ok := h.store.(*dirStore)
	if !ok {
		return nil, nil
	}
	return ds.list()
}

// Dir returns the directory the Handler is configured to, or "" if it is nil or uses SQLite.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// Close releases the underlying store. It doesn't save.
func (h *Handler) Close() error {
	if h == nil {
		return nil
	}
	return h.store.close()
}

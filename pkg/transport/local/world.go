// Package local implements the transport boundary inside a single Go process: every rank
// is a goroutine, and messages travel through in-memory mailboxes.
//
// It is used by the tests and by the demo command to run multi-process scenarios, and it
// follows the same contract a real message-passing transport would: eager, ordered
// point-to-point delivery per (communicator, source, destination, tag), collective
// operations that every member must call in the same order, and Init/Finalize that can
// be queried for idempotence.
//
// A receive that waits longer than the world's timeout fails, and the first rank that
// fails inside World.Run aborts the whole world, so peers blocked on it fail fast instead
// of hanging.
package local

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/mords94/OPS/pkg/transport"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTimeout is how long a receive waits for a matching message before failing.
var DefaultTimeout = 30 * time.Second

// World is a launch of Size() processes sharing the same mailboxes.
type World struct {
	id      string
	size    int
	appNums []int
	timeout time.Duration

	procs []*Process
	boxes *postOffice

	abortOnce sync.Mutex
	aborted   chan struct{}
	abortErr  error
}

// Option configures a World.
type Option func(w *World)

// WithTimeout sets how long receives wait for a matching message. Zero or negative waits forever.
func WithTimeout(timeout time.Duration) Option {
	return func(w *World) {
		w.timeout = timeout
	}
}

// NewWorld creates a single-program launch with size processes.
func NewWorld(size int, options ...Option) *World {
	if size <= 0 {
		exceptions.Panicf("local.NewWorld requires at least one process, got %d", size)
	}
	w := &World{
		id:      uuid.NewString(),
		size:    size,
		timeout: DefaultTimeout,
		aborted: make(chan struct{}),
	}
	w.boxes = newPostOffice(w)
	for _, option := range options {
		option(w)
	}
	w.procs = make([]*Process, size)
	for rank := range w.procs {
		w.procs[rank] = &Process{world: w, rank: rank}
	}
	return w
}

// NewJob creates a multi-program launch: program i runs appSizes[i] processes, and each
// process sees its program index through the transport.AttrAppNum attribute.
// World ranks are assigned to programs in order.
func NewJob(appSizes []int, options ...Option) *World {
	total := 0
	var appNums []int
	for app, n := range appSizes {
		total += n
		for range n {
			appNums = append(appNums, app)
		}
	}
	w := NewWorld(total, options...)
	w.appNums = appNums
	return w
}

// ID returns the unique identifier of the world.
func (w *World) ID() string {
	return w.id
}

// Size returns the number of processes in the world.
func (w *World) Size() int {
	return w.size
}

// Process returns the endpoint of the given world rank.
func (w *World) Process(rank int) *Process {
	return w.procs[rank]
}

// String implements fmt.Stringer.
func (w *World) String() string {
	return fmt.Sprintf("local.World(%s, size=%d)", w.id[:8], w.size)
}

// Abort fails every pending and future receive of the world with err.
func (w *World) Abort(err error) {
	w.abortOnce.Lock()
	defer w.abortOnce.Unlock()
	select {
	case <-w.aborted:
		return
	default:
	}
	w.abortErr = err
	close(w.aborted)
}

// Run calls fn once per process, each in its own goroutine, and waits for all of them.
//
// A rank returning an error (or panicking) aborts the world. The error of the first rank
// that failed is returned, wrapped with its rank.
func (w *World) Run(fn func(p *Process) error) error {
	errs := make([]error, w.size)
	var wg sync.WaitGroup
	for rank := range w.size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			exception := exceptions.Try(func() { err = fn(w.procs[rank]) })
			if exception != nil {
				if e, ok := exception.(error); ok {
					err = errors.WithMessage(e, "panic")
				} else {
					err = errors.Errorf("panic: %v", exception)
				}
			}
			if err != nil {
				errs[rank] = errors.WithMessagef(err, "rank %d", rank)
				klog.V(1).Infof("%s: rank %d failed: %v", w, rank, err)
				w.Abort(errs[rank])
			}
		}()
	}
	wg.Wait()
	// Prefer the root cause over the secondary "aborted" failures of the peers.
	if w.abortErr != nil {
		return w.abortErr
	}
	return nil
}

// Process is the transport.Runtime of one rank of a World.
type Process struct {
	world *World
	rank  int

	mu          sync.Mutex
	initialized bool
	finalized   bool
	worldComm   *comm
}

var _ transport.Runtime = (*Process)(nil)

// Rank returns the world rank of the process.
func (p *Process) Rank() int {
	return p.rank
}

// Initialized implements transport.Runtime.
func (p *Process) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Init implements transport.Runtime.
func (p *Process) Init(args []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return transport.ErrFinalized
	}
	if p.initialized {
		return errors.Errorf("rank %d: transport initialized twice", p.rank)
	}
	klog.V(2).Infof("%s: rank %d initialized with args %q", p.world, p.rank, args)
	p.initialized = true
	ranks := make([]int, p.world.size)
	for i := range ranks {
		ranks[i] = i
	}
	p.worldComm = &comm{proc: p, id: "world", ranks: ranks, rank: p.rank}
	return nil
}

// Finalized implements transport.Runtime.
func (p *Process) Finalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

// Finalize implements transport.Runtime.
func (p *Process) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return transport.ErrNotInitialized
	}
	if p.finalized {
		return transport.ErrFinalized
	}
	p.finalized = true
	return nil
}

// World implements transport.Runtime.
func (p *Process) World() (transport.Comm, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.worldComm, nil
}

// Attr implements transport.Runtime.
func (p *Process) Attr(key string) (int, bool) {
	if key == transport.AttrAppNum && p.world.appNums != nil {
		return p.world.appNums[p.rank], true
	}
	return 0, false
}

// check returns an error if the process cannot communicate.
func (p *Process) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return transport.ErrNotInitialized
	}
	if p.finalized {
		return transport.ErrFinalized
	}
	return nil
}

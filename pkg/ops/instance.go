// Package ops is the distributed-execution core of a block-structured stencil runtime.
//
// An Instance binds the runtime to one endpoint of a transport.Runtime. Over it the user
// declares blocks (logical structured grids) and datasets (Dat) on them, partitions every
// block over the process group, and then enqueues parallel loops (kernels) that are executed
// lazily, when a result is needed or Execute is called.
//
// The runtime keeps, for every local part of a dataset, a table of dirty bits per boundary
// direction and depth, and only exchanges halo layers that changed since the last exchange.
// Global reductions are combined across the group as kernels execute, and their results can
// be recorded to or replayed from a Checkpointer.
//
// Every process of the group must issue the same sequence of collective calls (declarations,
// partition, kernels, reductions and exchanges): they are matched by order.
//
// An Instance is not safe for concurrent use: it belongs to the goroutine driving its rank.
package ops

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mords94/OPS/pkg/transport"
	"k8s.io/klog/v2"
)

var (
	instancesMu sync.Mutex

	// instances bind one Instance per transport endpoint. A nil value is a reservation taken
	// while the instance is being created.
	instances = make(map[transport.Runtime]*Instance)
)

// Instance is the process-wide runtime handle bound to one transport endpoint.
type Instance struct {
	id           string
	rt           transport.Runtime
	comm         transport.Comm
	appNum       int
	hasAppNum    bool
	args         []string
	diagnostics  int
	eager        bool
	checkpointer Checkpointer
	initialized  bool

	// failure is the first fatal error, returned by every later operation.
	failure error

	partitioned bool
	blocks      []*Block
	dats        []*Dat
	stencils    []*Stencil
	halos       []*Halo
	haloGroups  []*HaloGroup
	reductions  []*Reduction
	consts      map[string][]byte

	queue        []*KernelDescriptor
	executing    *KernelDescriptor
	reductionSeq map[string]int
	stats        map[string]*KernelStats
}

// Option configures an Instance at creation.
type Option func(inst *Instance)

// WithDiagnostics sets the diagnostics level: 0 is silent, 1 reports the life-cycle and the
// partition, 2 each kernel and halo transfer, 3 every dirty-bit decision.
func WithDiagnostics(level int) Option {
	return func(inst *Instance) {
		inst.diagnostics = level
	}
}

// WithEagerExecution makes every enqueued kernel execute immediately.
func WithEagerExecution() Option {
	return func(inst *Instance) {
		inst.eager = true
	}
}

// WithCheckpointer routes every reduction result through c.
func WithCheckpointer(c Checkpointer) Option {
	return func(inst *Instance) {
		inst.checkpointer = c
	}
}

// WithArgs sets the arguments forwarded to the transport initialization.
func WithArgs(args []string) Option {
	return func(inst *Instance) {
		inst.args = args
	}
}

// New creates the Instance bound to the transport endpoint rt, initializing the transport if
// nobody did it yet, and establishing the process group.
//
// Only one live Instance per endpoint is allowed: a second call before Exit returns an
// ErrConfiguration and leaves the existing instance untouched.
func New(rt transport.Runtime, options ...Option) (*Instance, error) {
	instancesMu.Lock()
	if _, found := instances[rt]; found {
		instancesMu.Unlock()
		return nil, configErrorf("multiple instances are not supported over a distributed transport")
	}
	instances[rt] = nil
	instancesMu.Unlock()

	inst := &Instance{
		id:           uuid.NewString(),
		rt:           rt,
		consts:       make(map[string][]byte),
		reductionSeq: make(map[string]int),
		stats:        make(map[string]*KernelStats),
	}
	for _, option := range options {
		option(inst)
	}
	if err := inst.initProcessGroup(); err != nil {
		instancesMu.Lock()
		delete(instances, rt)
		instancesMu.Unlock()
		return nil, err
	}
	inst.initialized = true

	instancesMu.Lock()
	instances[rt] = inst
	instancesMu.Unlock()
	inst.logf(1, "instance %s created: rank %d of %d", inst.id, inst.Rank(), inst.Size())
	return inst, nil
}

// Attached returns the Instance bound to rt, or nil if there is none.
func Attached(rt transport.Runtime) *Instance {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	return instances[rt]
}

// ID returns the unique identifier of the instance.
func (inst *Instance) ID() string {
	return inst.id
}

// Rank returns the rank of this process in the instance's process group.
func (inst *Instance) Rank() int {
	return inst.comm.Rank()
}

// Size returns the number of processes in the instance's process group.
func (inst *Instance) Size() int {
	return inst.comm.Size()
}

// Comm returns the communicator of the instance's process group.
func (inst *Instance) Comm() transport.Comm {
	return inst.comm
}

// AppNum returns the program identifier of a multi-program launch. found is false if the
// launch has a single program.
func (inst *Instance) AppNum() (appNum int, found bool) {
	return inst.appNum, inst.hasAppNum
}

// Diagnostics returns the diagnostics level.
func (inst *Instance) Diagnostics() int {
	return inst.diagnostics
}

// Err returns the fatal error that failed the instance, or nil.
func (inst *Instance) Err() error {
	return inst.failure
}

// String implements fmt.Stringer.
func (inst *Instance) String() string {
	if !inst.initialized {
		return fmt.Sprintf("ops.Instance(%s, not initialized)", inst.id)
	}
	return fmt.Sprintf("ops.Instance(%s, rank %d/%d)", inst.id, inst.Rank(), inst.Size())
}

// Exit tears the instance down: pending kernels are discarded, datasets and reductions are
// released, the endpoint is unbound and the transport is finalized, unless some other owner
// already finalized it. It is a no-op if the instance is not initialized.
func (inst *Instance) Exit() error {
	if inst == nil || !inst.initialized {
		return nil
	}
	if len(inst.queue) > 0 {
		klog.Warningf("[rank %d] ops.Exit discarding %d pending kernels", inst.Rank(), len(inst.queue))
	}
	inst.logf(1, "instance %s exiting", inst.id)
	inst.queue = nil
	for _, dat := range inst.dats {
		dat.release()
	}
	inst.dats = nil
	inst.reductions = nil
	inst.halos = nil
	inst.haloGroups = nil
	inst.blocks = nil
	inst.initialized = false

	instancesMu.Lock()
	delete(instances, inst.rt)
	instancesMu.Unlock()

	if !inst.rt.Finalized() {
		if err := inst.rt.Finalize(); err != nil {
			return transportError(err, "finalizing transport")
		}
	}
	return nil
}

// check returns the error that should abort any operation on the instance.
func (inst *Instance) check() error {
	if inst.failure != nil {
		return inst.failure
	}
	if !inst.initialized {
		return configErrorf("instance %s is not initialized", inst.id)
	}
	return nil
}

// fail records err as the instance failure, if it is the first one, and returns it.
func (inst *Instance) fail(err error) error {
	if inst.failure == nil {
		inst.failure = err
		klog.Errorf("[rank %d] ops instance %s failed: %v", inst.comm.Rank(), inst.id, err)
	}
	return inst.failure
}

// logf logs if the diagnostics level or the klog verbosity is at least level.
func (inst *Instance) logf(level int, format string, args ...any) {
	if inst.diagnostics < level && !klog.V(klog.Level(level)).Enabled() {
		return
	}
	rank := -1
	if inst.comm != nil {
		rank = inst.comm.Rank()
	}
	klog.InfoDepth(1, fmt.Sprintf("[rank %d] ", rank)+fmt.Sprintf(format, args...))
}

package ops

import (
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/mords94/OPS/pkg/core/distributed"
	"github.com/mords94/OPS/pkg/transport"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelFunc is the body of a kernel. It runs once per process, over the local part of the
// iteration range, and can use k to access its arguments.
type KernelFunc func(k *Kernel) error

// KernelDescriptor is a deferred unit of work. Once enqueued it belongs to the queue.
type KernelDescriptor struct {
	Name     string
	Device   DeviceType
	Function KernelFunc
	Args     []Arg

	// Block and Range, in global indices as {start0, end0, start1, end1, ...}, define the
	// iteration space. Without a Block the kernel runs once per process with no range.
	Block *Block
	Range []int
}

// Kernel is the execution context passed to a KernelFunc.
type Kernel struct {
	Descriptor *KernelDescriptor

	// Start and End are the local iteration range, in global indices. At a physical boundary
	// the range is not clipped, so kernels can write boundary halos.
	Start, End []int

	inst *Instance
}

// Arg returns the i-th argument of the kernel.
func (k *Kernel) Arg(i int) *Arg {
	return &k.Descriptor.Args[i]
}

// Rank returns the rank of the process executing the kernel.
func (k *Kernel) Rank() int {
	return k.inst.Rank()
}

// Const returns a constant declared with DeclConst.
func (k *Kernel) Const(name string) []byte {
	return k.inst.consts[name]
}

// Empty reports whether the local iteration range is empty.
func (k *Kernel) Empty() bool {
	if k.Start == nil {
		return true
	}
	for axis := range k.Start {
		if k.End[axis] <= k.Start[axis] {
			return true
		}
	}
	return false
}

// ForEach calls fn for every point of the local iteration range, axis 0 varying fastest.
// The idx slice is reused between calls.
func (k *Kernel) ForEach(fn func(idx []int)) {
	if k.Empty() {
		return
	}
	idx := slices.Clone(k.Start)
	for {
		fn(idx)
		axis := 0
		for ; axis < len(idx); axis++ {
			idx[axis]++
			if idx[axis] < k.End[axis] {
				break
			}
			idx[axis] = k.Start[axis]
		}
		if axis == len(idx) {
			return
		}
	}
}

// KernelStats accumulates the executions of the kernels of one name.
type KernelStats struct {
	Name      string
	Count     int
	Time      time.Duration
	HaloBytes int64
}

// KernelStats returns the statistics of every executed kernel, sorted by name.
func (inst *Instance) KernelStats() []KernelStats {
	stats := make([]KernelStats, 0, len(inst.stats))
	for _, st := range inst.stats {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Pending returns the number of kernels waiting in the queue.
func (inst *Instance) Pending() int {
	return len(inst.queue)
}

// ParLoop enqueues a host kernel over the global range rng of block.
func (inst *Instance) ParLoop(name string, block *Block, rng []int, fn KernelFunc, args ...Arg) error {
	return inst.Enqueue(&KernelDescriptor{
		Name:     name,
		Device:   Host,
		Function: fn,
		Args:     args,
		Block:    block,
		Range:    rng,
	})
}

// Enqueue appends desc to the queue of deferred kernels. With eager execution the queue is
// executed right away.
func (inst *Instance) Enqueue(desc *KernelDescriptor) error {
	if err := inst.check(); err != nil {
		return err
	}
	if inst.executing != nil {
		return configErrorf("cannot enqueue kernel %q from inside kernel %q", desc.Name, inst.executing.Name)
	}
	if !inst.partitioned {
		return configErrorf("cannot enqueue kernel %q before Partition", desc.Name)
	}
	if err := inst.checkDescriptor(desc); err != nil {
		return err
	}
	inst.queue = append(inst.queue, desc)
	if inst.eager {
		return inst.Execute()
	}
	return nil
}

// checkDescriptor validates every argument of desc before committing its default range and
// the combination of its reductions, so a rejected descriptor leaves no trace.
func (inst *Instance) checkDescriptor(desc *KernelDescriptor) error {
	if desc.Function == nil {
		return configErrorf("kernel %q has no function", desc.Name)
	}
	rng := desc.Range
	if desc.Block != nil {
		if desc.Block.inst != inst {
			return configErrorf("kernel %q iterates over a block of another instance", desc.Name)
		}
		if rng == nil {
			rng = make([]int, 0, 2*desc.Block.dims)
			for _, s := range desc.Block.size {
				rng = append(rng, 0, s)
			}
		}
		if len(rng) != 2*desc.Block.dims {
			return configErrorf("kernel %q has a range of %d values for %d-dimensional block %q",
				desc.Name, len(rng), desc.Block.dims, desc.Block.name)
		}
	}
	reduceOps := make(map[*Reduction]transport.ReduceOp)
	for i := range desc.Args {
		arg := &desc.Args[i]
		switch arg.Type {
		case ArgTypeDat:
			if arg.Dat == nil || arg.Dat.inst != inst {
				return configErrorf("kernel %q argument #%d: dataset of another instance", desc.Name, i)
			}
			if arg.Access > AccessInc {
				return configErrorf("kernel %q argument #%d: access %s not allowed on dataset %q", desc.Name, i, arg.Access, arg.Dat.name)
			}
			if desc.Block != nil && arg.Dat.block != desc.Block {
				return configErrorf("kernel %q argument #%d: dataset %q is not on block %q", desc.Name, i, arg.Dat.name, desc.Block.name)
			}
			if arg.Stencil != nil {
				if arg.Stencil.dims != arg.Dat.block.dims {
					return configErrorf("kernel %q argument #%d: %d-dimensional stencil %q on %d-dimensional dataset %q",
						desc.Name, i, arg.Stencil.dims, arg.Stencil.name, arg.Dat.block.dims, arg.Dat.name)
				}
				for axis := range arg.Stencil.dims {
					if arg.Stencil.minus[axis] > arg.Dat.haloMinus[axis] || arg.Stencil.plus[axis] > arg.Dat.haloPlus[axis] {
						return configErrorf("kernel %q argument #%d: stencil %q reaches -%d/+%d along axis %d, but dataset %q has halos -%d/+%d",
							desc.Name, i, arg.Stencil.name, arg.Stencil.minus[axis], arg.Stencil.plus[axis], axis,
							arg.Dat.name, arg.Dat.haloMinus[axis], arg.Dat.haloPlus[axis])
					}
				}
			}
		case ArgTypeReduce:
			h := arg.Reduction
			if h == nil || h.inst != inst {
				return configErrorf("kernel %q argument #%d: reduction of another instance", desc.Name, i)
			}
			op := arg.Access.reduceOp()
			if op == transport.ReduceOpUndefined {
				return configErrorf("kernel %q argument #%d: access %s not allowed on reduction %q", desc.Name, i, arg.Access, h.name)
			}
			current, found := reduceOps[h]
			if !found {
				current = h.op
			}
			if current != transport.ReduceOpUndefined && current != op {
				return configErrorf("kernel %q argument #%d: reduction %q is combined with %s, not %s", desc.Name, i, h.name, current, op)
			}
			reduceOps[h] = op
		}
	}
	desc.Range = rng
	for h, op := range reduceOps {
		h.op = op
	}
	return nil
}

// Execute runs every deferred kernel, in the order they were enqueued. The first failure
// discards the remaining kernels and fails the instance.
func (inst *Instance) Execute() error {
	if err := inst.check(); err != nil {
		return err
	}
	if inst.executing != nil {
		return configErrorf("cannot execute the queue from inside kernel %q", inst.executing.Name)
	}
	for len(inst.queue) > 0 {
		desc := inst.queue[0]
		inst.queue[0] = nil
		inst.queue = inst.queue[1:]
		if err := inst.runKernel(desc); err != nil {
			if len(inst.queue) > 0 {
				klog.Warningf("[rank %d] kernel %q failed, dropping %d pending kernels", inst.Rank(), desc.Name, len(inst.queue))
			}
			inst.queue = nil
			return inst.fail(err)
		}
	}
	inst.queue = nil
	return nil
}

// localRange clips the global range of desc to the block part owned by this process. Sides
// at a physical boundary are not clipped.
func (inst *Instance) localRange(desc *KernelDescriptor) (start, end []int) {
	b := desc.Block
	if b == nil {
		return nil, nil
	}
	start = make([]int, b.dims)
	end = make([]int, b.dims)
	for axis := range b.dims {
		start[axis], end[axis] = desc.Range[2*axis], desc.Range[2*axis+1]
		if b.Neighbor(Minus(axis)) != distributed.NoNeighbor {
			start[axis] = max(start[axis], b.start[axis])
		}
		if b.Neighbor(Plus(axis)) != distributed.NoNeighbor {
			end[axis] = min(end[axis], b.end[axis])
		}
	}
	return start, end
}

func (inst *Instance) runKernel(desc *KernelDescriptor) error {
	begin := time.Now()
	st := inst.stats[desc.Name]
	if st == nil {
		st = &KernelStats{Name: desc.Name}
		inst.stats[desc.Name] = st
	}

	if err := ValidateArgs(desc.Device, desc.Args); err != nil {
		return errors.WithMessagef(err, "kernel %q", desc.Name)
	}

	for i := range desc.Args {
		arg := &desc.Args[i]
		switch arg.Type {
		case ArgTypeDat:
			if arg.Stencil == nil || !arg.Access.reads() {
				continue
			}
			n, err := inst.exchangeHalos(arg.Dat, arg.Stencil.minus, arg.Stencil.plus)
			st.HaloBytes += int64(n)
			if err != nil {
				return errors.WithMessagef(err, "kernel %q", desc.Name)
			}
		case ArgTypeReduce:
			h := arg.Reduction
			arg.partial = make([]byte, len(h.data))
			if err := transport.FillIdentity(h.op, h.dtype, arg.partial); err != nil {
				return configErrorf("kernel %q reduction %q: %v", desc.Name, h.name, err)
			}
		}
	}

	start, end := inst.localRange(desc)
	k := &Kernel{Descriptor: desc, Start: start, End: end, inst: inst}
	inst.executing = desc
	err := exceptions.TryCatch[error](func() {
		if fnErr := desc.Function(k); fnErr != nil {
			panic(fnErr)
		}
	})
	inst.executing = nil
	if err != nil {
		return errors.WithMessagef(err, "kernel %q", desc.Name)
	}

	for i := range desc.Args {
		arg := &desc.Args[i]
		switch arg.Type {
		case ArgTypeDat:
			if start != nil && arg.Access.writes() {
				arg.Dat.MarkWritten(start, end)
			}
		case ArgTypeReduce:
			h := arg.Reduction
			if err := inst.comm.AllReduce(h.op, h.dtype, arg.partial); err != nil {
				return transportError(err, "kernel %q: combining reduction %q", desc.Name, h.name)
			}
			if err := h.accumulate(arg.partial); err != nil {
				return configErrorf("kernel %q reduction %q: %v", desc.Name, h.name, err)
			}
			arg.partial = nil
		}
	}

	st.Count++
	st.Time += time.Since(begin)
	inst.logf(2, "kernel %q executed over [%v, %v) in %s", desc.Name, start, end, time.Since(begin))
	return nil
}

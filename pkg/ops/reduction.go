package ops

import (
	"fmt"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/transport"
)

// Checkpointer intercepts reduction results, so a run can be recorded and later replayed.
//
// ReductionResult receives the live value of the seq-th read of the named reduction and
// returns the value to hand to the caller, which must have the same size.
type Checkpointer interface {
	ReductionResult(name string, seq int, live []byte) ([]byte, error)
}

// Reduction is a global reduction handle: kernels contribute partial values, combined across
// the process group, and ReductionResult reads the result.
type Reduction struct {
	inst        *Instance
	index       int
	name        string
	dtype       dtypes.DType
	count       int
	op          transport.ReduceOp
	data        []byte
	initialized bool
}

// DeclReduction declares a reduction of count elements of dtype.
func (inst *Instance) DeclReduction(name string, dtype dtypes.DType, count int) (*Reduction, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	if !dtype.IsValid() {
		return nil, configErrorf("reduction %q has invalid dtype %s", name, dtype)
	}
	if count < 1 {
		return nil, configErrorf("reduction %q has %d elements", name, count)
	}
	if name == "" {
		name = fmt.Sprintf("reduction_%d", len(inst.reductions))
	}
	h := &Reduction{
		inst:  inst,
		index: len(inst.reductions),
		name:  name,
		dtype: dtype,
		count: count,
		data:  make([]byte, count*dtype.Size()),
	}
	inst.reductions = append(inst.reductions, h)
	return h, nil
}

// Name of the reduction.
func (h *Reduction) Name() string { return h.name }

// DType of the reduction elements.
func (h *Reduction) DType() dtypes.DType { return h.dtype }

// Count is the number of elements of the reduction.
func (h *Reduction) Count() int { return h.count }

// Op returns how the reduction is combined, fixed by the first kernel using it.
func (h *Reduction) Op() transport.ReduceOp { return h.op }

// Initialized reports whether a kernel contributed since the result was last read.
func (h *Reduction) Initialized() bool { return h.initialized }

// accumulate combines the group-wide partial of one kernel into the handle.
func (h *Reduction) accumulate(partial []byte) error {
	if !h.initialized {
		if err := transport.FillIdentity(h.op, h.dtype, h.data); err != nil {
			return err
		}
		h.initialized = true
	}
	return transport.Combine(h.op, h.dtype, h.data, partial)
}

// reset sets the handle back to the identity of its operation, zero if it has none yet.
func (h *Reduction) reset() {
	h.initialized = false
	if h.op == transport.ReduceOpUndefined || transport.FillIdentity(h.op, h.dtype, h.data) != nil {
		clear(h.data)
	}
}

// ReductionResult executes every pending kernel and copies the result of h into dst, up to
// the smaller of both sizes. With a Checkpointer the value is recorded or replayed.
// The handle is reset afterwards: a second read without contributing kernels returns the
// identity of the operation.
func (inst *Instance) ReductionResult(h *Reduction, dst []byte) error {
	if err := inst.Execute(); err != nil {
		return err
	}
	if h == nil || h.inst != inst {
		return configErrorf("reduction of another instance")
	}
	if !h.initialized {
		h.reset()
	}
	seq := inst.reductionSeq[h.name]
	inst.reductionSeq[h.name]++
	value := h.data
	if inst.checkpointer != nil {
		var err error
		value, err = inst.checkpointer.ReductionResult(h.name, seq, h.data)
		if err != nil {
			return inst.fail(errorsWithKind(KindConfiguration, err, "checkpointing reduction %q #%d", h.name, seq))
		}
		if len(value) != len(h.data) {
			return inst.fail(configErrorf("checkpointed reduction %q #%d has %d bytes, expected %d", h.name, seq, len(value), len(h.data)))
		}
	}
	copy(dst, value)
	inst.logf(2, "reduction %q #%d read", h.name, seq)
	h.reset()
	return nil
}

// ReductionResultAs is like Instance.ReductionResult, typed. T must match the dtype of h.
func ReductionResultAs[T dtypes.Supported](inst *Instance, h *Reduction) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != h.dtype {
		return nil, configErrorf("cannot read reduction %q of dtype %s as %s", h.name, h.dtype, want)
	}
	out := make([]T, h.count)
	if err := inst.ReductionResult(h, dtypes.AsBytes(out)); err != nil {
		return nil, err
	}
	return out, nil
}

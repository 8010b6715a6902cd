package ops

import (
	"fmt"
	"slices"
)

// internalCopyKernel names the kernels enqueued by CopyDat and DeepCopy.
const internalCopyKernel = "internal_copy"

// CopyDat creates a new dataset with the shape, type and decomposition of orig. The data,
// halos included, and the dirty state are copied by a deferred host kernel, so the copy
// sees every kernel enqueued on orig before it.
func (inst *Instance) CopyDat(orig *Dat) (*Dat, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	if !inst.partitioned {
		return nil, configErrorf("CopyDat requires a partitioned instance, call Partition first")
	}
	if orig == nil || orig.inst != inst {
		return nil, configErrorf("CopyDat of a dataset of another instance")
	}
	target := &Dat{
		inst:      inst,
		block:     orig.block,
		index:     len(inst.dats),
		name:      fmt.Sprintf("%s_copy", orig.name),
		dtype:     orig.dtype,
		elemSize:  orig.elemSize,
		size:      slices.Clone(orig.size),
		haloMinus: slices.Clone(orig.haloMinus),
		haloPlus:  slices.Clone(orig.haloPlus),
		sd:        newSubDat(orig.block.dims),
	}
	target.allocate()
	inst.dats = append(inst.dats, target)
	orig.block.dats = append(orig.block.dats, target)
	if err := inst.enqueueCopy(target, orig); err != nil {
		return nil, err
	}
	return target, nil
}

// DeepCopy makes target a copy of source. The kernels already enqueued run first, so they see
// target as it was. Then target takes source's shape and type, and the data and dirty state
// follow through a deferred host kernel. Both must be on the same block.
func (inst *Instance) DeepCopy(target, source *Dat) error {
	if err := inst.Execute(); err != nil {
		return err
	}
	if target == nil || source == nil || target.inst != inst || source.inst != inst {
		return configErrorf("DeepCopy of datasets of another instance")
	}
	if target.block != source.block {
		return configErrorf("DeepCopy from dataset %q on block %q to %q on block %q",
			source.name, source.block.name, target.name, target.block.name)
	}
	if target.lockedHD > 0 {
		return consistencyErrorf("DeepCopy into dataset %q, which is locked by raw access", target.name)
	}
	target.dtype = source.dtype
	target.elemSize = source.elemSize
	target.size = slices.Clone(source.size)
	target.haloMinus = slices.Clone(source.haloMinus)
	target.haloPlus = slices.Clone(source.haloPlus)
	if !inst.partitioned {
		target.initial = source.initial
		target.sd.copyFrom(source.sd)
		return nil
	}
	target.allocate()
	return inst.enqueueCopy(target, source)
}

func (inst *Instance) enqueueCopy(target, source *Dat) error {
	return inst.Enqueue(&KernelDescriptor{
		Name:   internalCopyKernel,
		Device: Host,
		Function: func(*Kernel) error {
			copy(target.data, source.data)
			target.sd.copyFrom(source.sd)
			return nil
		},
		Args: []Arg{
			ArgDat(target, nil, AccessWrite),
			ArgDat(source, nil, AccessRead),
		},
	})
}

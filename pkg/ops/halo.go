package ops

import (
	"slices"

	"github.com/mords94/OPS/pkg/transport"
)

// haloTagBase separates the tags of halo transfers from the tags of halo exchanges.
const haloTagBase = 1 << 30

// Halo is an explicit transfer of a region of one dataset into a region of another,
// possibly on another block with another decomposition.
//
// The transfer walks an iteration space of extent iterSize. Iteration axis k moves along
// dataset axis |dir[k]|-1, forwards if dir[k] > 0 and backwards otherwise, starting from
// base. Dataset axes not named in dir stay at base.
type Halo struct {
	index    int
	from, to *Dat
	iterSize []int
	fromBase []int
	toBase   []int
	fromDir  []int
	toDir    []int
}

// HaloGroup is a set of halos transferred together.
type HaloGroup struct {
	inst  *Instance
	index int
	halos []*Halo
}

// DeclHalo declares a transfer from dataset from to dataset to. See Halo.
func (inst *Instance) DeclHalo(from, to *Dat, iterSize, fromBase, toBase, fromDir, toDir []int) (*Halo, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	if from == nil || to == nil || from.inst != inst || to.inst != inst {
		return nil, configErrorf("halo between datasets of another instance")
	}
	if from.dtype != to.dtype {
		return nil, configErrorf("halo from dataset %q of %s to %q of %s", from.name, from.dtype, to.name, to.dtype)
	}
	k := len(iterSize)
	if k == 0 || k > MaxDim {
		return nil, configErrorf("halo from %q to %q has a %d-dimensional iteration space", from.name, to.name, k)
	}
	for axis, s := range iterSize {
		if s < 0 {
			return nil, configErrorf("halo from %q to %q has negative iteration size %d along axis %d", from.name, to.name, s, axis)
		}
	}
	if len(fromBase) != from.block.dims || len(toBase) != to.block.dims {
		return nil, configErrorf("halo from %q to %q: base has %d/%d axes, datasets have %d/%d",
			from.name, to.name, len(fromBase), len(toBase), from.block.dims, to.block.dims)
	}
	if err := checkHaloDir(from, fromDir, k); err != nil {
		return nil, err
	}
	if err := checkHaloDir(to, toDir, k); err != nil {
		return nil, err
	}
	h := &Halo{
		index:    len(inst.halos),
		from:     from,
		to:       to,
		iterSize: slices.Clone(iterSize),
		fromBase: slices.Clone(fromBase),
		toBase:   slices.Clone(toBase),
		fromDir:  slices.Clone(fromDir),
		toDir:    slices.Clone(toDir),
	}
	inst.halos = append(inst.halos, h)
	return h, nil
}

func checkHaloDir(d *Dat, dir []int, k int) error {
	if len(dir) != k {
		return configErrorf("halo direction %v for dataset %q has %d entries, expected %d", dir, d.name, len(dir), k)
	}
	seen := make([]bool, d.block.dims)
	for _, v := range dir {
		axis := max(v, -v) - 1
		if axis < 0 || axis >= d.block.dims || seen[axis] {
			return configErrorf("halo direction %v is invalid for %d-dimensional dataset %q", dir, d.block.dims, d.name)
		}
		seen[axis] = true
	}
	return nil
}

// DeclHaloGroup groups halos to be transferred together.
func (inst *Instance) DeclHaloGroup(halos ...*Halo) (*HaloGroup, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	for i, h := range halos {
		if h == nil || h.from.inst != inst {
			return nil, configErrorf("halo #%d of group belongs to another instance", i)
		}
	}
	g := &HaloGroup{inst: inst, index: len(inst.haloGroups), halos: slices.Clone(halos)}
	inst.haloGroups = append(inst.haloGroups, g)
	return g, nil
}

// HaloTransfer executes the pending kernels and then every halo of group, in order.
// It is collective.
func (inst *Instance) HaloTransfer(group *HaloGroup) error {
	if err := inst.Execute(); err != nil {
		return err
	}
	if group == nil || group.inst != inst {
		return configErrorf("HaloTransfer of a halo group of another instance")
	}
	if !inst.partitioned {
		return configErrorf("HaloTransfer requires a partitioned instance, call Partition first")
	}
	for _, h := range group.halos {
		if h.from.lockedHD > 0 || h.to.lockedHD > 0 {
			return inst.fail(consistencyErrorf("halo from %q to %q: dataset locked by raw access", h.from.name, h.to.name))
		}
		if err := inst.transferHalo(h); err != nil {
			return inst.fail(err)
		}
	}
	return nil
}

// walk calls fn with the dataset indices of every point of the iteration space, axis 0
// varying fastest.
func (h *Halo) walk(fn func(fromIdx, toIdx []int) error) error {
	for _, s := range h.iterSize {
		if s == 0 {
			return nil
		}
	}
	iter := make([]int, len(h.iterSize))
	fromIdx := make([]int, len(h.fromBase))
	toIdx := make([]int, len(h.toBase))
	for {
		copy(fromIdx, h.fromBase)
		copy(toIdx, h.toBase)
		for k, i := range iter {
			mapIndex(fromIdx, h.fromDir[k], i)
			mapIndex(toIdx, h.toDir[k], i)
		}
		if err := fn(fromIdx, toIdx); err != nil {
			return err
		}
		k := 0
		for ; k < len(iter); k++ {
			iter[k]++
			if iter[k] < h.iterSize[k] {
				break
			}
			iter[k] = 0
		}
		if k == len(iter) {
			return nil
		}
	}
}

func mapIndex(idx []int, dir, i int) {
	if dir > 0 {
		idx[dir-1] += i
	} else {
		idx[-dir-1] -= i
	}
}

// inAllocation reports whether the global index idx lies inside the dataset or its halos.
func (d *Dat) inAllocation(idx []int) bool {
	for axis, i := range idx {
		if i < -d.haloMinus[axis] || i >= d.size[axis]+d.haloPlus[axis] {
			return false
		}
	}
	return true
}

func (inst *Instance) transferHalo(h *Halo) error {
	me, size := inst.Rank(), inst.Size()
	es := h.from.elemSize
	sendBufs := make([][]byte, size)
	recvOffsets := make([][]int, size)
	var writtenLo, writtenHi []int

	err := h.walk(func(fromIdx, toIdx []int) error {
		if !h.from.inAllocation(fromIdx) || !h.to.inAllocation(toIdx) {
			return configErrorf("halo from %q to %q: index %v -> %v outside the datasets", h.from.name, h.to.name, fromIdx, toIdx)
		}
		src := h.from.block.ownerOf(fromIdx)
		dst := h.to.block.ownerOf(toIdx)
		if src == me {
			off, ok := h.from.offsetOf(fromIdx)
			if !ok {
				return configErrorf("halo from %q: index %v not held by its owner %d", h.from.name, fromIdx, me)
			}
			sendBufs[dst] = append(sendBufs[dst], h.from.data[off:off+es]...)
		}
		if dst == me {
			off, ok := h.to.offsetOf(toIdx)
			if !ok {
				return configErrorf("halo to %q: index %v not held by its owner %d", h.to.name, toIdx, me)
			}
			recvOffsets[src] = append(recvOffsets[src], off)
			if writtenLo == nil {
				writtenLo, writtenHi = slices.Clone(toIdx), slices.Clone(toIdx)
			}
			for axis, i := range toIdx {
				writtenLo[axis] = min(writtenLo[axis], i)
				writtenHi[axis] = max(writtenHi[axis], i)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	tag := haloTagBase + h.index
	requests := make([]transport.Request, size)
	for peer := range size {
		if peer != me && len(recvOffsets[peer]) > 0 {
			if requests[peer], err = inst.comm.Irecv(peer, tag); err != nil {
				return transportError(err, "halo from %q to %q: receive from rank %d", h.from.name, h.to.name, peer)
			}
		}
	}
	numBytes := 0
	for peer := range size {
		if peer != me && len(sendBufs[peer]) > 0 {
			if err := inst.comm.Send(peer, tag, sendBufs[peer]); err != nil {
				return transportError(err, "halo from %q to %q: send to rank %d", h.from.name, h.to.name, peer)
			}
			numBytes += len(sendBufs[peer])
		}
	}
	unpack := func(peer int, payload []byte) error {
		offsets := recvOffsets[peer]
		if len(payload) != len(offsets)*es {
			return transportError(nil, "halo from %q to %q: rank %d sent %d bytes, expected %d",
				h.from.name, h.to.name, peer, len(payload), len(offsets)*es)
		}
		for i, off := range offsets {
			copy(h.to.data[off:off+es], payload[i*es:(i+1)*es])
		}
		return nil
	}
	if err := unpack(me, sendBufs[me]); err != nil {
		return err
	}
	for peer, req := range requests {
		if req == nil {
			continue
		}
		payload, err := req.Wait()
		if err != nil {
			return transportError(err, "halo from %q to %q: receive from rank %d", h.from.name, h.to.name, peer)
		}
		if err := unpack(peer, payload); err != nil {
			return err
		}
		numBytes += len(payload)
	}
	if writtenLo != nil {
		for axis := range writtenHi {
			writtenHi[axis]++
		}
		h.to.MarkWritten(writtenLo, writtenHi)
	}
	inst.logf(2, "halo from %q to %q: %d bytes exchanged", h.from.name, h.to.name, numBytes)
	return nil
}

package ops

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/mords94/OPS/pkg/core/distributed"
	"github.com/mords94/OPS/pkg/core/dtypes"
)

// DatSpec describes a dataset to declare.
type DatSpec struct {
	// Name of the dataset, used in logs, dumps and checkpoints.
	Name string

	// DType of the elements.
	DType dtypes.DType

	// Size is the global extent of the dataset along each axis of its block.
	Size []int

	// HaloMinus and HaloPlus are the halo depths below and above the owned range, along each
	// axis. Nil means no halo.
	HaloMinus, HaloPlus []int

	// Data optionally holds the global initial values, axis 0 varying fastest. Each process
	// keeps its part at Partition.
	Data []byte
}

// Dat is a distributed dataset: a multidimensional array laid over a block. Each process
// holds the part it owns plus halos, axis 0 varying fastest.
type Dat struct {
	inst      *Instance
	block     *Block
	index     int
	name      string
	dtype     dtypes.DType
	elemSize  int
	size      []int
	haloMinus []int
	haloPlus  []int
	initial   []byte

	// sd is created with the dataset, every bit dirty.
	sd *subDat

	// Set at allocation.
	start     []int
	end       []int
	localSize []int
	allocSize []int
	strides   []int
	data      []byte

	// lockedHD counts outstanding raw accesses.
	lockedHD int
}

// DeclDat declares a dataset on block. It must be called before Partition.
func (inst *Instance) DeclDat(block *Block, spec DatSpec) (*Dat, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	if inst.partitioned {
		return nil, configErrorf("cannot declare dataset %q after Partition", spec.Name)
	}
	if block == nil || block.inst != inst {
		return nil, configErrorf("dataset %q declared on a block of another instance", spec.Name)
	}
	if !spec.DType.IsValid() {
		return nil, configErrorf("dataset %q has invalid dtype %s", spec.Name, spec.DType)
	}
	if len(spec.Size) != block.dims {
		return nil, configErrorf("dataset %q has %d axes, block %q has %d", spec.Name, len(spec.Size), block.name, block.dims)
	}
	haloMinus, err := checkHalo(spec.Name, "minus", spec.HaloMinus, block.dims)
	if err != nil {
		return nil, err
	}
	haloPlus, err := checkHalo(spec.Name, "plus", spec.HaloPlus, block.dims)
	if err != nil {
		return nil, err
	}
	numElements := 1
	for axis, s := range spec.Size {
		if s <= 0 {
			return nil, configErrorf("dataset %q has size %d along axis %d", spec.Name, s, axis)
		}
		numElements *= s
	}
	if spec.Data != nil && len(spec.Data) != numElements*spec.DType.Size() {
		return nil, configErrorf("dataset %q initial data has %d bytes, expected %d", spec.Name, len(spec.Data), numElements*spec.DType.Size())
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("dat_%d", len(inst.dats))
	}
	d := &Dat{
		inst:      inst,
		block:     block,
		index:     len(inst.dats),
		name:      name,
		dtype:     spec.DType,
		elemSize:  spec.DType.Size(),
		size:      slices.Clone(spec.Size),
		haloMinus: haloMinus,
		haloPlus:  haloPlus,
		initial:   spec.Data,
		sd:        newSubDat(block.dims),
	}
	inst.dats = append(inst.dats, d)
	block.dats = append(block.dats, d)
	return d, nil
}

func checkHalo(name, side string, depths []int, dims int) ([]int, error) {
	if depths == nil {
		return make([]int, dims), nil
	}
	if len(depths) != dims {
		return nil, configErrorf("dataset %q has %d %s halo depths for %d axes", name, len(depths), side, dims)
	}
	for axis, depth := range depths {
		if depth < 0 || depth > MaxDepth {
			return nil, configErrorf("dataset %q has %s halo depth %d along axis %d, it must be in [0, %d]", name, side, depth, axis, MaxDepth)
		}
	}
	return slices.Clone(depths), nil
}

// Name of the dataset.
func (d *Dat) Name() string { return d.name }

// Index of the dataset in the registry of its instance. It never changes.
func (d *Dat) Index() int { return d.index }

// Block of the dataset.
func (d *Dat) Block() *Block { return d.block }

// DType of the elements.
func (d *Dat) DType() dtypes.DType { return d.dtype }

// Size returns the global extent of the dataset.
func (d *Dat) Size() []int { return slices.Clone(d.size) }

// HaloDepths returns the halo depths below and above the owned range.
func (d *Dat) HaloDepths() (minus, plus []int) {
	return slices.Clone(d.haloMinus), slices.Clone(d.haloPlus)
}

// OwnedRange returns the half-open range of global indices this process owns.
func (d *Dat) OwnedRange() (start, end []int) {
	return slices.Clone(d.start), slices.Clone(d.end)
}

// AllocSize returns the extent of the local buffer along each axis, halos included.
func (d *Dat) AllocSize() []int { return slices.Clone(d.allocSize) }

// OwnsData reports whether this process owns a non-empty part of the dataset.
func (d *Dat) OwnsData() bool {
	if d.data == nil {
		return false
	}
	for axis := range d.size {
		if d.end[axis] <= d.start[axis] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (d *Dat) String() string {
	return fmt.Sprintf("Dat(%q, %s, size=%v)", d.name, d.dtype, d.size)
}

// checkDecomposition verifies that every process, not only this one, owns enough layers of
// the dataset along each split axis to fill its neighbours' halos. Processes may own nothing
// of a dataset without halos along an axis.
func (d *Dat) checkDecomposition() error {
	gridDims := d.block.grid.Dims()
	for axis, parts := range gridDims {
		if parts == 1 {
			continue
		}
		need := max(d.haloMinus[axis], d.haloPlus[axis])
		for coord := range parts {
			start, end := distributed.SplitExtent(d.block.size[axis], parts, coord)
			extent := min(end, d.size[axis]) - min(start, d.size[axis])
			if extent < need {
				return configErrorf("dataset %q: process %d of %d along axis %d owns %d layers, needs at least %d",
					d.name, coord, parts, axis, extent, need)
			}
		}
	}
	return nil
}

// allocate creates the local buffer and keeps the owned part of the initial data.
func (d *Dat) allocate() {
	b := d.block
	dims := b.dims
	d.start = make([]int, dims)
	d.end = make([]int, dims)
	d.localSize = make([]int, dims)
	d.allocSize = make([]int, dims)
	d.strides = make([]int, dims)
	numElements := 1
	for axis := range dims {
		d.start[axis] = min(b.start[axis], d.size[axis])
		d.end[axis] = min(b.end[axis], d.size[axis])
		d.localSize[axis] = d.end[axis] - d.start[axis]
		d.allocSize[axis] = d.localSize[axis] + d.haloMinus[axis] + d.haloPlus[axis]
		d.strides[axis] = numElements
		numElements *= d.allocSize[axis]
	}
	d.data = make([]byte, numElements*d.elemSize)
	if d.initial != nil && d.OwnsData() {
		globalStrides := make([]int, dims)
		stride := 1
		for axis := range dims {
			globalStrides[axis] = stride
			stride *= d.size[axis]
		}
		lo, hi := d.ownedAllocRange()
		d.forEachRun(lo, hi, func(idx []int, off, length int) {
			globalOff := 0
			for axis := range dims {
				globalOff += (idx[axis] - d.haloMinus[axis] + d.start[axis]) * globalStrides[axis]
			}
			globalOff *= d.elemSize
			copy(d.data[off:off+length], d.initial[globalOff:globalOff+length])
		})
	}
	d.initial = nil
}

func (d *Dat) release() {
	d.data = nil
	d.sd = nil
}

// ownedAllocRange returns the owned range in local buffer coordinates.
func (d *Dat) ownedAllocRange() (lo, hi []int) {
	lo = slices.Clone(d.haloMinus)
	hi = make([]int, len(lo))
	for axis := range lo {
		hi[axis] = lo[axis] + d.localSize[axis]
	}
	return
}

// allocOffset returns the byte offset of the local buffer coordinates idx.
func (d *Dat) allocOffset(idx []int) int {
	off := 0
	for axis, i := range idx {
		off += i * d.strides[axis]
	}
	return off * d.elemSize
}

// offsetOf returns the byte offset of the global index idx in the local buffer, and false
// if it is not held by this process.
func (d *Dat) offsetOf(idx []int) (int, bool) {
	if len(idx) != len(d.size) || d.data == nil {
		return 0, false
	}
	off := 0
	for axis, i := range idx {
		local := i - d.start[axis] + d.haloMinus[axis]
		if local < 0 || local >= d.allocSize[axis] {
			return 0, false
		}
		off += local * d.strides[axis]
	}
	return off * d.elemSize, true
}

// mustOffsetOf is like offsetOf, but panics if idx is not held by this process.
func (d *Dat) mustOffsetOf(idx []int) int {
	off, ok := d.offsetOf(idx)
	if !ok {
		exceptions.Panicf("index %v not held by rank %d for dataset %q: owned [%v, %v), halos -%v/+%v",
			idx, d.inst.Rank(), d.name, d.start, d.end, d.haloMinus, d.haloPlus)
	}
	return off
}

// forEachRun calls fn for every contiguous run along axis 0 of the box [lo, hi) in local
// buffer coordinates. idx is the start of the run, off and length are in bytes.
func (d *Dat) forEachRun(lo, hi []int, fn func(idx []int, off, length int)) {
	dims := len(lo)
	for axis := range dims {
		if hi[axis] <= lo[axis] {
			return
		}
	}
	idx := slices.Clone(lo)
	length := (hi[0] - lo[0]) * d.elemSize
	for {
		fn(idx, d.allocOffset(idx), length)
		axis := 1
		for ; axis < dims; axis++ {
			idx[axis]++
			if idx[axis] < hi[axis] {
				break
			}
			idx[axis] = lo[axis]
		}
		if axis >= dims {
			return
		}
	}
}

// MarkDirty sets the dirty bit of (dir, depth) on the given side.
func (d *Dat) MarkDirty(dir Direction, depth int, side Side) error {
	if err := d.checkBit(dir, depth); err != nil {
		return err
	}
	d.sd.table(side).Set(dir, depth)
	return nil
}

// IsDirty returns the dirty bit of (dir, depth) on the given side.
func (d *Dat) IsDirty(dir Direction, depth int, side Side) bool {
	if d.checkBit(dir, depth) != nil {
		return false
	}
	return d.sd.table(side).Get(dir, depth)
}

func (d *Dat) checkBit(dir Direction, depth int) error {
	if d.sd == nil {
		return configErrorf("dataset %q was released", d.name)
	}
	if dir < 0 || int(dir) >= 2*d.block.dims {
		return configErrorf("direction %d out of range for %d-dimensional dataset %q", dir, d.block.dims, d.name)
	}
	if depth < 0 || depth >= MaxDepth {
		return configErrorf("depth %d out of range [0, %d)", depth, MaxDepth)
	}
	return nil
}

// MarkWritten records a write over the global range [start, end): it sets the send bit of
// every boundary layer, along every axis, that the owned part of the range covers. Receive
// bits are left untouched.
func (d *Dat) MarkWritten(start, end []int) {
	if d.sd == nil || d.data == nil {
		return
	}
	lo := make([]int, len(d.size))
	hi := make([]int, len(d.size))
	for axis := range d.size {
		lo[axis] = max(start[axis], d.start[axis])
		hi[axis] = min(end[axis], d.end[axis])
		if hi[axis] <= lo[axis] {
			return
		}
	}
	d.sd.dirty = true
	for axis := range d.size {
		for depth := range min(MaxDepth, d.localSize[axis]) {
			if i := d.start[axis] + depth; lo[axis] <= i && i < hi[axis] {
				d.sd.send.Set(Minus(axis), depth)
			}
			if i := d.end[axis] - 1 - depth; lo[axis] <= i && i < hi[axis] {
				d.sd.send.Set(Plus(axis), depth)
			}
		}
	}
	d.inst.logf(3, "dataset %q written over [%v, %v)", d.name, lo, hi)
}

// DirtyString renders the send and receive dirty tables of the dataset.
func (d *Dat) DirtyString() string {
	if d.sd == nil {
		return "released\n"
	}
	return "send\n" + d.sd.send.String() + "recv\n" + d.sd.recv.String()
}

// AcquireRaw executes every pending kernel and returns the local buffer, halos included.
// Kernels reading or writing the dataset fail with ErrConsistency until ReleaseRaw.
func (d *Dat) AcquireRaw() ([]byte, error) {
	if err := d.inst.Execute(); err != nil {
		return nil, err
	}
	if d.data == nil {
		return nil, configErrorf("dataset %q is not allocated, call Partition first", d.name)
	}
	d.lockedHD++
	return d.data, nil
}

// ReleaseRaw returns the raw access taken with AcquireRaw. Unless access is AccessRead, the
// whole owned part is considered written.
func (d *Dat) ReleaseRaw(access Access) error {
	if d.lockedHD == 0 {
		return consistencyErrorf("dataset %q released without a matching AcquireRaw", d.name)
	}
	d.lockedHD--
	if access != AccessRead {
		d.MarkWritten(d.start, d.end)
	}
	return nil
}

// Locked reports whether the raw memory of the dataset is checked out.
func (d *Dat) Locked() bool {
	return d.lockedHD > 0
}

// GetData makes the host copy of the dataset current. Host buffers are the only copy, so it
// is a no-op.
func (d *Dat) GetData() {}

// PutData makes the device copy of the dataset current. Host buffers are the only copy, so
// it is a no-op.
func (d *Dat) PutData() {}

// Fetch executes every pending kernel and returns a copy of the owned part of the dataset,
// axis 0 varying fastest.
func (d *Dat) Fetch() ([]byte, error) {
	if err := d.inst.Execute(); err != nil {
		return nil, err
	}
	if !d.OwnsData() {
		return nil, nil
	}
	numElements := 1
	for _, s := range d.localSize {
		numElements *= s
	}
	out := make([]byte, 0, numElements*d.elemSize)
	lo, hi := d.ownedAllocRange()
	d.forEachRun(lo, hi, func(_ []int, off, length int) {
		out = append(out, d.data[off:off+length]...)
	})
	return out, nil
}

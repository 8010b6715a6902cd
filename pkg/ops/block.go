package ops

import (
	"fmt"
	"slices"

	"github.com/mords94/OPS/pkg/core/distributed"
)

// Block is a logical structured grid of 1 to MaxDim dimensions. Datasets declared on it are
// decomposed over the process group with the same process grid and cut points.
type Block struct {
	inst  *Instance
	index int
	name  string
	dims  int
	dats  []*Dat

	// Set by Partition.
	grid      *distributed.ProcessGrid
	size      []int
	start     []int
	end       []int
	neighbors [][2]int
}

// DeclBlock declares a block of dims dimensions. It must be called before Partition.
func (inst *Instance) DeclBlock(dims int, name string) (*Block, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	if inst.partitioned {
		return nil, configErrorf("cannot declare block %q after Partition", name)
	}
	if dims < 1 || dims > MaxDim {
		return nil, configErrorf("block %q has %d dimensions, it must have between 1 and %d", name, dims, MaxDim)
	}
	if name == "" {
		name = fmt.Sprintf("block_%d", len(inst.blocks))
	}
	b := &Block{inst: inst, index: len(inst.blocks), name: name, dims: dims}
	inst.blocks = append(inst.blocks, b)
	return b, nil
}

// Name of the block.
func (b *Block) Name() string { return b.name }

// Dims returns the number of dimensions of the block.
func (b *Block) Dims() int { return b.dims }

// Grid returns the process grid of the block, or nil before Partition.
func (b *Block) Grid() *distributed.ProcessGrid { return b.grid }

// Size returns the global extent of the block: the largest extent of its datasets along
// each axis. It is nil before Partition.
func (b *Block) Size() []int { return slices.Clone(b.size) }

// OwnedRange returns the half-open range of global indices owned by this process.
func (b *Block) OwnedRange() (start, end []int) {
	return slices.Clone(b.start), slices.Clone(b.end)
}

// Neighbor returns the rank of the neighbouring process in direction dir, or
// distributed.NoNeighbor at a physical boundary.
func (b *Block) Neighbor(dir Direction) int {
	if b.neighbors == nil || dir.Axis() >= b.dims {
		return distributed.NoNeighbor
	}
	if dir.IsPlus() {
		return b.neighbors[dir.Axis()][1]
	}
	return b.neighbors[dir.Axis()][0]
}

// String implements fmt.Stringer.
func (b *Block) String() string {
	if b.grid == nil {
		return fmt.Sprintf("Block(%q, %dD)", b.name, b.dims)
	}
	return fmt.Sprintf("Block(%q, size=%v, owned=[%v, %v), %s)", b.name, b.size, b.start, b.end, b.grid)
}

// ownerOf returns the rank owning the global index idx of the block.
func (b *Block) ownerOf(idx []int) int {
	return b.grid.OwnerOf(idx, b.size)
}

// decompose chooses the process grid of the block and this process' owned range.
func (b *Block) decompose(gridDims []int) error {
	inst := b.inst
	var err error
	if len(gridDims) != b.dims {
		gridDims, err = distributed.BalancedDims(inst.Size(), b.dims)
		if err != nil {
			return configErrorf("block %q: %v", b.name, err)
		}
	}
	b.grid, err = distributed.NewProcessGrid(gridDims)
	if err != nil {
		return configErrorf("block %q: %v", b.name, err)
	}
	if b.grid.NumProcesses() != inst.Size() {
		return configErrorf("block %q: %s has %d processes, but the group has %d",
			b.name, b.grid, b.grid.NumProcesses(), inst.Size())
	}
	b.size = make([]int, b.dims)
	for _, dat := range b.dats {
		for axis, s := range dat.size {
			b.size[axis] = max(b.size[axis], s)
		}
	}
	b.start, b.end, err = b.grid.OwnedRange(inst.Rank(), b.size)
	if err != nil {
		return configErrorf("block %q: %v", b.name, err)
	}
	b.neighbors = make([][2]int, b.dims)
	for axis := range b.dims {
		b.neighbors[axis] = [2]int{
			b.grid.Neighbor(inst.Rank(), axis, -1),
			b.grid.Neighbor(inst.Rank(), axis, +1),
		}
	}
	return nil
}

// PartitionOption configures Partition.
type PartitionOption func(cfg *partitionConfig)

type partitionConfig struct {
	gridDims []int
}

// WithGridDims fixes the process grid of every block with len(dims) dimensions. Other blocks
// get a balanced grid.
func WithGridDims(dims ...int) PartitionOption {
	return func(cfg *partitionConfig) {
		cfg.gridDims = dims
	}
}

// Partition decomposes every block over the process group and allocates the local part of
// every declared dataset, with its halos. No block or dataset can be declared afterwards,
// and it can only be called once.
func (inst *Instance) Partition(options ...PartitionOption) error {
	if err := inst.check(); err != nil {
		return err
	}
	if inst.partitioned {
		return configErrorf("Partition called twice")
	}
	var cfg partitionConfig
	for _, option := range options {
		option(&cfg)
	}
	for _, b := range inst.blocks {
		if err := b.decompose(cfg.gridDims); err != nil {
			return err
		}
		for _, dat := range b.dats {
			if err := dat.checkDecomposition(); err != nil {
				return err
			}
		}
	}
	for _, b := range inst.blocks {
		for _, dat := range b.dats {
			dat.allocate()
		}
		inst.logf(1, "partitioned %s", b)
	}
	inst.partitioned = true
	return nil
}

// Partitioned reports whether Partition was called.
func (inst *Instance) Partitioned() bool {
	return inst.partitioned
}

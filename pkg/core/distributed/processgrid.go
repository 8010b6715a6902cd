// Package distributed describes how a logical block is laid out over a group of processes:
// the Cartesian process grid, the owned sub-range of every process and its neighbours.
package distributed

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// NoNeighbor is returned by ProcessGrid.Neighbor when a step leaves the grid.
// Grids are not periodic.
const NoNeighbor = -1

// ProcessGrid defines the Cartesian topology of the processes sharing a block.
//
// Ranks are assigned to grid coordinates in row-major order: the last axis varies fastest.
type ProcessGrid struct {
	// dims is the number of processes along each axis.
	dims []int

	// numProcesses is the product of dims.
	numProcesses int
}

// NewProcessGrid creates a process grid with dims[i] processes along axis i.
func NewProcessGrid(dims []int) (*ProcessGrid, error) {
	if len(dims) == 0 {
		return nil, errors.New("ProcessGrid dims cannot be empty")
	}
	numProcesses := 1
	for axis, d := range dims {
		if d <= 0 {
			return nil, errors.Errorf("ProcessGrid axis %d has %d processes, it must be at least 1", axis, d)
		}
		numProcesses *= d
	}
	return &ProcessGrid{dims: slices.Clone(dims), numProcesses: numProcesses}, nil
}

// BalancedDims factors numProcesses into numAxes grid dimensions as close to each other as
// possible, in non-increasing order. It plays the role of MPI_Dims_create.
func BalancedDims(numProcesses, numAxes int) ([]int, error) {
	if numProcesses <= 0 || numAxes <= 0 {
		return nil, errors.Errorf("cannot factor %d processes over %d axes", numProcesses, numAxes)
	}
	var factors []int
	n := numProcesses
	for p := 2; p*p <= n; p++ {
		for n%p == 0 {
			factors = append(factors, p)
			n /= p
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(factors)))

	dims := make([]int, numAxes)
	for i := range dims {
		dims[i] = 1
	}
	for _, f := range factors {
		smallest := 0
		for i := range dims {
			if dims[i] < dims[smallest] {
				smallest = i
			}
		}
		dims[smallest] *= f
	}
	sort.Sort(sort.Reverse(sort.IntSlice(dims)))
	return dims, nil
}

// NumAxes returns the number of axes of the grid.
func (g *ProcessGrid) NumAxes() int {
	return len(g.dims)
}

// NumProcesses returns the total number of processes in the grid.
func (g *ProcessGrid) NumProcesses() int {
	return g.numProcesses
}

// Dims returns a copy of the number of processes along each axis.
func (g *ProcessGrid) Dims() []int {
	return slices.Clone(g.dims)
}

// String implements fmt.Stringer.
func (g *ProcessGrid) String() string {
	parts := make([]string, len(g.dims))
	for i, d := range g.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "ProcessGrid(" + strings.Join(parts, "x") + ")"
}

// Coords returns the grid coordinates of rank.
func (g *ProcessGrid) Coords(rank int) ([]int, error) {
	if rank < 0 || rank >= g.numProcesses {
		return nil, errors.Errorf("rank %d out of range for %s", rank, g)
	}
	coords := make([]int, len(g.dims))
	remaining := rank
	for i := len(g.dims) - 1; i >= 0; i-- {
		coords[i] = remaining % g.dims[i]
		remaining /= g.dims[i]
	}
	return coords, nil
}

// RankOf returns the rank at the given coordinates, or NoNeighbor if they fall outside the grid.
func (g *ProcessGrid) RankOf(coords []int) int {
	if len(coords) != len(g.dims) {
		return NoNeighbor
	}
	rank := 0
	for i, c := range coords {
		if c < 0 || c >= g.dims[i] {
			return NoNeighbor
		}
		rank = rank*g.dims[i] + c
	}
	return rank
}

// Neighbor returns the rank `step` positions away from rank along axis, or NoNeighbor.
func (g *ProcessGrid) Neighbor(rank, axis, step int) int {
	coords, err := g.Coords(rank)
	if err != nil || axis < 0 || axis >= len(g.dims) {
		return NoNeighbor
	}
	coords[axis] += step
	return g.RankOf(coords)
}

// SplitExtent splits `size` elements over `parts` processes and returns the half-open range
// [start, end) owned by the process at position `coord`. The remainder goes to the first
// coordinates, one extra element each.
func SplitExtent(size, parts, coord int) (start, end int) {
	base := size / parts
	extra := size % parts
	start = coord*base + min(coord, extra)
	end = start + base
	if coord < extra {
		end++
	}
	return
}

// OwnedRange returns the range of the global index space, of extent globalSize, that rank owns.
func (g *ProcessGrid) OwnedRange(rank int, globalSize []int) (start, end []int, err error) {
	if len(globalSize) != len(g.dims) {
		return nil, nil, errors.Errorf("global size has %d axes, but %s has %d", len(globalSize), g, len(g.dims))
	}
	coords, err := g.Coords(rank)
	if err != nil {
		return nil, nil, err
	}
	start = make([]int, len(g.dims))
	end = make([]int, len(g.dims))
	for axis := range g.dims {
		start[axis], end[axis] = SplitExtent(globalSize[axis], g.dims[axis], coords[axis])
	}
	return start, end, nil
}

// OwnerOf returns the rank owning the global index idx, for a block of extent globalSize.
// Indices outside the global range are clamped to the closest owner, so halo positions
// past the physical boundary belong to the process at that boundary.
func (g *ProcessGrid) OwnerOf(idx, globalSize []int) int {
	coords := make([]int, len(g.dims))
	for axis := range g.dims {
		i := min(max(idx[axis], 0), globalSize[axis]-1)
		for c := 0; c < g.dims[axis]; c++ {
			_, end := SplitExtent(globalSize[axis], g.dims[axis], c)
			if i < end {
				coords[axis] = c
				break
			}
		}
	}
	return g.RankOf(coords)
}

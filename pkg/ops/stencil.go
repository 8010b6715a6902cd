package ops

import (
	"fmt"
	"slices"
)

// Stencil is the set of relative offsets a kernel reads around each point.
type Stencil struct {
	index  int
	name   string
	dims   int
	points [][]int
	minus  []int
	plus   []int
}

// DeclStencil declares a stencil of dims dimensions with the given offsets.
func (inst *Instance) DeclStencil(dims int, points [][]int, name string) (*Stencil, error) {
	if err := inst.check(); err != nil {
		return nil, err
	}
	if dims < 1 || dims > MaxDim {
		return nil, configErrorf("stencil %q has %d dimensions, it must have between 1 and %d", name, dims, MaxDim)
	}
	if len(points) == 0 {
		return nil, configErrorf("stencil %q has no points", name)
	}
	s := &Stencil{
		index: len(inst.stencils),
		name:  name,
		dims:  dims,
		minus: make([]int, dims),
		plus:  make([]int, dims),
	}
	if s.name == "" {
		s.name = fmt.Sprintf("stencil_%d", s.index)
	}
	for i, p := range points {
		if len(p) != dims {
			return nil, configErrorf("stencil %q point #%d has %d coordinates, expected %d", name, i, len(p), dims)
		}
		for axis, offset := range p {
			s.minus[axis] = max(s.minus[axis], -offset)
			s.plus[axis] = max(s.plus[axis], offset)
		}
		s.points = append(s.points, slices.Clone(p))
	}
	inst.stencils = append(inst.stencils, s)
	return s, nil
}

// Name of the stencil.
func (s *Stencil) Name() string { return s.name }

// Dims returns the number of dimensions of the stencil.
func (s *Stencil) Dims() int { return s.dims }

// Points returns a copy of the offsets of the stencil.
func (s *Stencil) Points() [][]int {
	points := make([][]int, len(s.points))
	for i, p := range s.points {
		points[i] = slices.Clone(p)
	}
	return points
}

// Extent returns how far the stencil reaches below and above the point, along each axis.
// These are the halo depths a read through the stencil needs.
func (s *Stencil) Extent() (minus, plus []int) {
	return slices.Clone(s.minus), slices.Clone(s.plus)
}

// String implements fmt.Stringer.
func (s *Stencil) String() string {
	return fmt.Sprintf("Stencil(%q, %d points, -%v/+%v)", s.name, len(s.points), s.minus, s.plus)
}

package ops

import (
	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Accessor gives typed access to the local buffer of a dataset by global index.
//
// It does not execute pending kernels: inside a kernel the data is current, outside call
// Execute first.
type Accessor[T dtypes.Supported] struct {
	dat  *Dat
	data []T
}

// View returns a typed accessor of d. T must match the dtype of d.
func View[T dtypes.Supported](d *Dat) (*Accessor[T], error) {
	if want := dtypes.FromGenericsType[T](); want != d.dtype {
		return nil, configErrorf("cannot view dataset %q of dtype %s as %s", d.name, d.dtype, want)
	}
	if d.data == nil {
		return nil, configErrorf("dataset %q is not allocated, call Partition first", d.name)
	}
	return &Accessor[T]{dat: d, data: dtypes.BytesAs[T](d.data)}, nil
}

// MustView is like View, but panics on error.
func MustView[T dtypes.Supported](d *Dat) *Accessor[T] {
	a, err := View[T](d)
	if err != nil {
		panic(errors.WithMessage(err, "MustView"))
	}
	return a
}

// At returns the element at the global index idx. It panics if idx is not held locally.
func (a *Accessor[T]) At(idx ...int) T {
	return a.data[a.dat.mustOffsetOf(idx)/a.dat.elemSize]
}

// Set stores value at the global index idx. It panics if idx is not held locally.
func (a *Accessor[T]) Set(value T, idx ...int) {
	a.data[a.dat.mustOffsetOf(idx)/a.dat.elemSize] = value
}

// Holds reports whether the global index idx is held locally, owned or halo.
func (a *Accessor[T]) Holds(idx ...int) bool {
	_, ok := a.dat.offsetOf(idx)
	return ok
}

// Dat returns the viewed dataset.
func (a *Accessor[T]) Dat() *Dat {
	return a.dat
}


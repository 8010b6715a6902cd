package ops

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrNaN is returned by NaNCheck when a dataset holds a NaN.
var ErrNaN = errors.New("NaN detected")

// DeclConst executes the pending kernels and then sets a named constant readable by
// kernels with Kernel.Const. data is copied.
func (inst *Instance) DeclConst(name string, data []byte) error {
	if err := inst.Execute(); err != nil {
		return err
	}
	inst.consts[name] = slices.Clone(data)
	return nil
}

// Const returns a constant declared with DeclConst, or nil.
func (inst *Instance) Const(name string) []byte {
	return inst.consts[name]
}

// WriteDatText executes the pending kernels and writes the owned part of d to w as text,
// one line per run along axis 0. Processes owning nothing of d write nothing.
func (inst *Instance) WriteDatText(d *Dat, w io.Writer) error {
	if err := inst.Execute(); err != nil {
		return err
	}
	if !d.OwnsData() {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "ops_dat %q rank %d, %s, owned [%v, %v)\n", d.name, inst.Rank(), d.dtype, d.start, d.end)
	lo, hi := d.ownedAllocRange()
	d.forEachRun(lo, hi, func(_ []int, off, length int) {
		for pos := off; pos < off+length; pos += d.elemSize {
			if pos > off {
				sb.WriteByte(' ')
			}
			sb.WriteString(formatElement(d.dtype, d.data, pos))
		}
		sb.WriteByte('\n')
	})
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return errors.Wrapf(err, "writing dataset %q", d.name)
	}
	return nil
}

// NaNCheck executes the pending kernels and scans the owned part of d for NaNs, returning
// ErrNaN for the first one found. Processes owning nothing of d, and non-float datasets,
// always pass.
func (inst *Instance) NaNCheck(d *Dat) error {
	if err := inst.Execute(); err != nil {
		return err
	}
	if !d.dtype.IsFloat() || !d.OwnsData() {
		return nil
	}
	lo, hi := d.ownedAllocRange()
	var found []int
	d.forEachRun(lo, hi, func(idx []int, off, length int) {
		if found != nil {
			return
		}
		for i, pos := 0, off; pos < off+length; i, pos = i+1, pos+d.elemSize {
			if isNaN(d.dtype, d.data, pos) {
				found = make([]int, len(idx))
				for axis := range idx {
					found[axis] = idx[axis] - d.haloMinus[axis] + d.start[axis]
				}
				found[0] += i
				return
			}
		}
	})
	if found == nil {
		return nil
	}
	msg := fmt.Sprintf("On rank %d: dataset %q at %v", inst.Rank(), d.name, found)
	klog.Errorf("%s: %v", msg, ErrNaN)
	return errors.Wrap(ErrNaN, msg)
}

func isNaN(dtype dtypes.DType, data []byte, off int) bool {
	switch dtype {
	case dtypes.Float16:
		return dtypes.Load[float16.Float16](data, off).IsNaN()
	case dtypes.Float32:
		return math.IsNaN(float64(dtypes.Load[float32](data, off)))
	case dtypes.Float64:
		return math.IsNaN(dtypes.Load[float64](data, off))
	}
	return false
}

func formatElement(dtype dtypes.DType, data []byte, off int) string {
	switch dtype {
	case dtypes.Bool:
		return fmt.Sprint(dtypes.Load[bool](data, off))
	case dtypes.Int8:
		return fmt.Sprint(dtypes.Load[int8](data, off))
	case dtypes.Int16:
		return fmt.Sprint(dtypes.Load[int16](data, off))
	case dtypes.Int32:
		return fmt.Sprint(dtypes.Load[int32](data, off))
	case dtypes.Int64:
		return fmt.Sprint(dtypes.Load[int64](data, off))
	case dtypes.Uint8:
		return fmt.Sprint(dtypes.Load[uint8](data, off))
	case dtypes.Uint16:
		return fmt.Sprint(dtypes.Load[uint16](data, off))
	case dtypes.Uint32:
		return fmt.Sprint(dtypes.Load[uint32](data, off))
	case dtypes.Uint64:
		return fmt.Sprint(dtypes.Load[uint64](data, off))
	case dtypes.Float16:
		return fmt.Sprintf("%g", dtypes.Load[float16.Float16](data, off).Float32())
	case dtypes.Float32:
		return fmt.Sprintf("%g", dtypes.Load[float32](data, off))
	case dtypes.Float64:
		return fmt.Sprintf("%g", dtypes.Load[float64](data, off))
	}
	return "?"
}

package transport

import (
	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ReduceOp selects how values are combined by AllReduce and by reduction handles.
type ReduceOp int

const (
	ReduceOpUndefined ReduceOp = iota
	ReduceOpSum
	ReduceOpProduct
	ReduceOpMin
	ReduceOpMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceOpSum:
		return "Sum"
	case ReduceOpProduct:
		return "Product"
	case ReduceOpMin:
		return "Min"
	case ReduceOpMax:
		return "Max"
	}
	return "Undefined"
}

// Combine sets dst[i] = op(dst[i], src[i]) for every element of dtype in the buffers.
func Combine(op ReduceOp, dtype dtypes.DType, dst, src []byte) error {
	if len(dst) != len(src) {
		return errors.Errorf("cannot combine buffers of %d and %d bytes", len(dst), len(src))
	}
	switch dtype {
	case dtypes.Int8:
		return combineNumbers(op, dtypes.BytesAs[int8](dst), dtypes.BytesAs[int8](src))
	case dtypes.Int16:
		return combineNumbers(op, dtypes.BytesAs[int16](dst), dtypes.BytesAs[int16](src))
	case dtypes.Int32:
		return combineNumbers(op, dtypes.BytesAs[int32](dst), dtypes.BytesAs[int32](src))
	case dtypes.Int64:
		return combineNumbers(op, dtypes.BytesAs[int64](dst), dtypes.BytesAs[int64](src))
	case dtypes.Uint8:
		return combineNumbers(op, dtypes.BytesAs[uint8](dst), dtypes.BytesAs[uint8](src))
	case dtypes.Uint16:
		return combineNumbers(op, dtypes.BytesAs[uint16](dst), dtypes.BytesAs[uint16](src))
	case dtypes.Uint32:
		return combineNumbers(op, dtypes.BytesAs[uint32](dst), dtypes.BytesAs[uint32](src))
	case dtypes.Uint64:
		return combineNumbers(op, dtypes.BytesAs[uint64](dst), dtypes.BytesAs[uint64](src))
	case dtypes.Float32:
		return combineNumbers(op, dtypes.BytesAs[float32](dst), dtypes.BytesAs[float32](src))
	case dtypes.Float64:
		return combineNumbers(op, dtypes.BytesAs[float64](dst), dtypes.BytesAs[float64](src))
	case dtypes.Float16:
		d, s := dtypes.BytesAs[float16.Float16](dst), dtypes.BytesAs[float16.Float16](src)
		wide := make([]float32, len(d))
		wideSrc := make([]float32, len(s))
		for i := range d {
			wide[i], wideSrc[i] = d[i].Float32(), s[i].Float32()
		}
		if err := combineNumbers(op, wide, wideSrc); err != nil {
			return err
		}
		for i := range d {
			d[i] = float16.Fromfloat32(wide[i])
		}
		return nil
	case dtypes.Bool:
		d, s := dtypes.BytesAs[bool](dst), dtypes.BytesAs[bool](src)
		for i := range d {
			switch op {
			case ReduceOpSum, ReduceOpMax:
				d[i] = d[i] || s[i]
			case ReduceOpProduct, ReduceOpMin:
				d[i] = d[i] && s[i]
			default:
				return errors.Errorf("unsupported reduction %s", op)
			}
		}
		return nil
	}
	return errors.Errorf("cannot reduce values of dtype %s", dtype)
}

func combineNumbers[T dtypes.Number](op ReduceOp, dst, src []T) error {
	switch op {
	case ReduceOpSum:
		for i := range dst {
			dst[i] += src[i]
		}
	case ReduceOpProduct:
		for i := range dst {
			dst[i] *= src[i]
		}
	case ReduceOpMin:
		for i := range dst {
			dst[i] = min(dst[i], src[i])
		}
	case ReduceOpMax:
		for i := range dst {
			dst[i] = max(dst[i], src[i])
		}
	default:
		return errors.Errorf("unsupported reduction %s", op)
	}
	return nil
}

// FillIdentity fills buf with the identity element of op for dtype: 0 for Sum, 1 for
// Product, the highest value for Min and the lowest for Max.
func FillIdentity(op ReduceOp, dtype dtypes.DType, buf []byte) error {
	size := dtype.Size()
	if size == 0 {
		return errors.Errorf("cannot fill identity for dtype %s", dtype)
	}
	var one []byte
	switch op {
	case ReduceOpSum:
		clear(buf)
		return nil
	case ReduceOpProduct:
		one = scalarBytes(dtype, 1)
	case ReduceOpMin:
		one = anyBytes(dtype, dtype.HighestValue())
	case ReduceOpMax:
		one = anyBytes(dtype, dtype.LowestValue())
	default:
		return errors.Errorf("unsupported reduction %s", op)
	}
	for off := 0; off+size <= len(buf); off += size {
		copy(buf[off:], one)
	}
	return nil
}

// scalarBytes encodes the number v as one element of dtype.
func scalarBytes(dtype dtypes.DType, v float64) []byte {
	buf := make([]byte, 8)
	switch dtype {
	case dtypes.Bool:
		dtypes.Store(buf, 0, v != 0)
	case dtypes.Int8:
		dtypes.Store(buf, 0, int8(v))
	case dtypes.Int16:
		dtypes.Store(buf, 0, int16(v))
	case dtypes.Int32:
		dtypes.Store(buf, 0, int32(v))
	case dtypes.Int64:
		dtypes.Store(buf, 0, int64(v))
	case dtypes.Uint8:
		dtypes.Store(buf, 0, uint8(v))
	case dtypes.Uint16:
		dtypes.Store(buf, 0, uint16(v))
	case dtypes.Uint32:
		dtypes.Store(buf, 0, uint32(v))
	case dtypes.Uint64:
		dtypes.Store(buf, 0, uint64(v))
	case dtypes.Float16:
		dtypes.Store(buf, 0, float16.Fromfloat32(float32(v)))
	case dtypes.Float32:
		dtypes.Store(buf, 0, float32(v))
	case dtypes.Float64:
		dtypes.Store(buf, 0, v)
	}
	return buf[:dtype.Size()]
}

// anyBytes encodes a value returned by DType.HighestValue/LowestValue.
func anyBytes(dtype dtypes.DType, value any) []byte {
	buf := make([]byte, 8)
	switch v := value.(type) {
	case bool:
		dtypes.Store(buf, 0, v)
	case int8:
		dtypes.Store(buf, 0, v)
	case int16:
		dtypes.Store(buf, 0, v)
	case int32:
		dtypes.Store(buf, 0, v)
	case int64:
		dtypes.Store(buf, 0, v)
	case uint8:
		dtypes.Store(buf, 0, v)
	case uint16:
		dtypes.Store(buf, 0, v)
	case uint32:
		dtypes.Store(buf, 0, v)
	case uint64:
		dtypes.Store(buf, 0, v)
	case float16.Float16:
		dtypes.Store(buf, 0, v)
	case float32:
		dtypes.Store(buf, 0, v)
	case float64:
		dtypes.Store(buf, 0, v)
	}
	return buf[:dtype.Size()]
}

package dtypes

import (
	"unsafe"
)

// BytesAs reinterprets data as a slice of T, without copying.
//
// len(data) must be a multiple of the size of T, extra trailing bytes are ignored.
// The buffer should come from a whole allocation (e.g. a dataset or reduction buffer),
// so that it is aligned for T.
func BytesAs[T Supported](data []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(data) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/size)
}

// AsBytes returns the memory of values as a byte slice, without copying.
func AsBytes[T Supported](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}

// Load reads one element of type T stored at byte offset off of data.
func Load[T Supported](data []byte, off int) T {
	return *(*T)(unsafe.Pointer(&data[off]))
}

// Store writes value as one element of type T at byte offset off of data.
func Store[T Supported](data []byte, off int, value T) {
	*(*T)(unsafe.Pointer(&data[off])) = value
}

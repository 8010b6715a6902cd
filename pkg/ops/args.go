package ops

import (
	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/transport"
)

// ArgType is the kind of a kernel argument.
type ArgType int

const (
	ArgTypeDat ArgType = iota
	ArgTypeGbl
	ArgTypeReduce
	ArgTypeIdx
)

// String implements fmt.Stringer.
func (t ArgType) String() string {
	switch t {
	case ArgTypeDat:
		return "dat"
	case ArgTypeGbl:
		return "gbl"
	case ArgTypeReduce:
		return "reduce"
	case ArgTypeIdx:
		return "idx"
	}
	return "unknown"
}

// Access is how a kernel uses an argument.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessReadWrite
	AccessInc
	AccessMin
	AccessMax
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "rw"
	case AccessInc:
		return "inc"
	case AccessMin:
		return "min"
	case AccessMax:
		return "max"
	}
	return "unknown"
}

func (a Access) reads() bool {
	return a == AccessRead || a == AccessReadWrite || a == AccessInc
}

func (a Access) writes() bool {
	return a == AccessWrite || a == AccessReadWrite || a == AccessInc
}

// reduceOp returns the combination of a reduction access.
func (a Access) reduceOp() transport.ReduceOp {
	switch a {
	case AccessInc:
		return transport.ReduceOpSum
	case AccessMin:
		return transport.ReduceOpMin
	case AccessMax:
		return transport.ReduceOpMax
	}
	return transport.ReduceOpUndefined
}

// Arg is one argument of a kernel.
type Arg struct {
	Type   ArgType
	Access Access

	// Dat and Stencil, for ArgTypeDat.
	Dat     *Dat
	Stencil *Stencil

	// Global and DType, for ArgTypeGbl.
	Global []byte
	DType  dtypes.DType

	// Reduction, for ArgTypeReduce.
	Reduction *Reduction

	// partial is the local contribution to Reduction while the kernel runs.
	partial []byte
}

// ArgDat is a dataset argument read through stencil, which can be nil for point access.
func ArgDat(dat *Dat, stencil *Stencil, access Access) Arg {
	return Arg{Type: ArgTypeDat, Dat: dat, Stencil: stencil, Access: access}
}

// ArgGbl is a global value passed to every process.
func ArgGbl(data []byte, dtype dtypes.DType, access Access) Arg {
	return Arg{Type: ArgTypeGbl, Global: data, DType: dtype, Access: access}
}

// ArgReduce is a reduction argument: access must be AccessInc, AccessMin or AccessMax.
func ArgReduce(h *Reduction, access Access) Arg {
	return Arg{Type: ArgTypeReduce, Reduction: h, Access: access}
}

// ArgIdx passes the global index of the point to the kernel.
func ArgIdx() Arg {
	return Arg{Type: ArgTypeIdx}
}

// Partial returns the local contribution of a reduction argument, valid while the kernel
// runs. It starts at the identity of the reduction operation.
func (a *Arg) Partial() []byte {
	return a.partial
}

// PartialAs is like Arg.Partial, typed.
func PartialAs[T dtypes.Supported](a *Arg) []T {
	return dtypes.BytesAs[T](a.partial)
}

// Package transport defines the message-passing boundary the distributed runtime is built on.
//
// It is modeled on MPI: a Runtime is the per-process endpoint that is initialized and
// finalized once, and a Comm is a communication context over a group of processes that
// offers ordered point-to-point messages and collective operations. Implementations must
// deliver messages between a (source, destination, tag) triple reliably and in order.
//
// All blocking calls return an error instead of hanging forever where the implementation
// can detect a failure, but the runtime treats any transport error as fatal to the whole
// process group: there is no retry.
package transport

import (
	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// AttrAppNum is the attribute holding the program identifier of a multi-program launch,
// the equivalent of MPI_APPNUM. It is absent when every process runs the same program.
const AttrAppNum = "appnum"

// Tags must be non-negative for user messages, negative tags are reserved to
// implementations for collectives.

var (
	// ErrNotInitialized is returned when the runtime is used before Init.
	ErrNotInitialized = errors.New("transport not initialized")

	// ErrFinalized is returned when the runtime is used after Finalize.
	ErrFinalized = errors.New("transport already finalized")
)

// Runtime is the per-process endpoint of the transport.
type Runtime interface {
	// Initialized reports whether Init was already called, by this or any other owner.
	Initialized() bool

	// Init initializes the transport, args are forwarded untouched.
	Init(args []string) error

	// Finalized reports whether Finalize was already called.
	Finalized() bool

	// Finalize releases the transport. No communication is allowed afterwards.
	Finalize() error

	// World returns the communicator of all processes of the launch.
	World() (Comm, error)

	// Attr returns an integer attribute of the launch, e.g. AttrAppNum.
	Attr(key string) (value int, found bool)
}

// Comm is a communication context over an ordered group of processes.
type Comm interface {
	// Rank of the calling process in the group, 0 <= Rank() < Size().
	Rank() int

	// Size of the group.
	Size() int

	// Dup creates a new communicator over the same group, with an isolated message space.
	// It is collective: all members must call it.
	Dup() (Comm, error)

	// Split partitions the group by color; ranks in each new group are ordered by key,
	// ties broken by the rank in the parent group. It is collective.
	Split(color, key int) (Comm, error)

	// Send transmits data to rank dst with the given tag. It may return before dst
	// received it, but data can be reused immediately.
	Send(dst, tag int, data []byte) error

	// Isend starts a non-blocking send.
	Isend(dst, tag int, data []byte) (Request, error)

	// Irecv posts a non-blocking receive from rank src with the given tag.
	Irecv(src, tag int) (Request, error)

	// Recv blocks until a message from src with tag arrives, and returns it.
	Recv(src, tag int) ([]byte, error)

	// AllReduce combines data element-wise across all members with op, in place.
	// All members must pass buffers of the same length and dtype.
	AllReduce(op ReduceOp, dtype dtypes.DType, data []byte) error

	// Barrier blocks until every member called it.
	Barrier() error
}

// Request is an in-flight non-blocking operation.
type Request interface {
	// Wait blocks until the operation completes. For receives it returns the message.
	Wait() ([]byte, error)
}

// WaitAll waits for every request, returning the received payloads in order and the
// first error.
func WaitAll(requests ...Request) ([][]byte, error) {
	results := make([][]byte, len(requests))
	var firstErr error
	for i, req := range requests {
		if req == nil {
			continue
		}
		data, err := req.Wait()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results[i] = data
	}
	return results, firstErr
}

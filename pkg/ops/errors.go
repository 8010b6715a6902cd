package ops

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors returned by this package. All of them are fatal: the runtime
// never retries, and a process group that saw one must be considered failed.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfiguration is a usage error detected up front: declaring a dataset after
	// partitioning, a second instance over the same transport, inconsistent sizes...
	KindConfiguration

	// KindConsistency is a kernel touching a dataset whose raw memory is checked out.
	KindConsistency

	// KindTransport is a failure of the underlying message passing.
	KindTransport
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindConsistency:
		return "consistency violation"
	case KindTransport:
		return "transport failure"
	}
	return "unknown error"
}

// Error is the error type of the package. Use errors.Is with ErrConfiguration,
// ErrConsistency or ErrTransport to classify it.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConsistency   = &Error{Kind: KindConsistency}
	ErrTransport     = &Error{Kind: KindTransport}
)

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.msg == "" && e.cause == nil:
		return e.Kind.String()
	case e.cause == nil:
		return e.Kind.String() + ": " + e.msg
	case e.msg == "":
		return e.Kind.String() + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.msg + ": " + e.cause.Error()
}

// Is matches the sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.msg == "" && t.cause == nil && t.Kind == e.Kind
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorKind returns the Kind of err, or KindUnknown if it was not created by this package.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func configErrorf(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindConfiguration, msg: fmt.Sprintf(format, args...)})
}

func consistencyErrorf(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindConsistency, msg: fmt.Sprintf(format, args...)})
}

func transportError(cause error, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindTransport, msg: fmt.Sprintf(format, args...), cause: cause})
}

func errorsWithKind(kind Kind, cause error, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: cause})
}

package changestream

import (
	"errors"
	"fmt"
)

// ErrMissingResumeToken is returned when a RawEvent has no _id field. It is
// a Stream-Invariant-Violation (I5): the offending batch is not delivered
// even partially and the cached resume token is left unchanged.
var ErrMissingResumeToken = errors.New("cannot provide resume functionality when the resume token is missing")

// ErrNilCursor indicates an operation was attempted against a Cursor whose
// underlying cursor has not yet been installed.
var ErrNilCursor = errors.New("underlying cursor is nil")

// ErrOperationInProgress enforces I3 (no two fetches in flight on the same
// Cursor): Next/TryNext called while a previous call has not yet delivered
// its callback is rejected rather than queued.
var ErrOperationInProgress = errors.New("a next()/tryNext() call is already in progress on this cursor")

// ErrCursorAlreadyClosed is delivered by Cursor's Next/TryNext when a resume
// successfully re-executes the operation but OperationDescriptor.Execute
// hands back an already-exhausted cursor (ID() == 0). It is not retried.
var ErrCursorAlreadyClosed = errors.New("change stream resume produced an already-closed cursor")

// LifecycleError is returned when next/tryNext is called after Close has
// completed. It names the operation that was rejected, matching the
// "called after closed" wording callers depend on for diagnostics.
type LifecycleError struct {
	Op string // "next()" or "tryNext()"
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s called after closed", e.Op)
}

// DecodeError wraps a failure from OperationDescriptor.Decode on a single
// RawEvent. The resume token is not advanced when this occurs.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode change stream event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CommandError is the shape of a server command failure that the
// Retryability Classifier inspects. Concrete OperationDescriptor /
// UnderlyingCursor implementations (e.g. internal/mongoresume) surface their
// own server errors as a *CommandError, or wrap one, so IsRetryable can
// classify them via errors.As.
type CommandError struct {
	Code    int32
	Labels  []string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("(%s) %s", errorCodeName(e.Code), e.Message)
}

// HasErrorLabel reports whether the server attached the given label to this
// command error.
func (e *CommandError) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func errorCodeName(code int32) string {
	return fmt.Sprintf("code %d", code)
}

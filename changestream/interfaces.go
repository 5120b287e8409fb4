package changestream

import "context"

// Binding is a reference-counted handle to an acquired read scope (a
// selected server plus associated session context). A Cursor retains
// exactly one Binding for its lifetime and releases it exactly once, at
// successful close (I4).
type Binding interface {
	// Retain increments the binding's reference count.
	Retain()
	// Release decrements the binding's reference count, tearing the
	// underlying read scope down once it reaches zero.
	Release()
	// WithReadConnection acquires a ConnectionSource and invokes cb exactly
	// once with it (or with a non-nil error if acquisition failed). cb may
	// run on the calling goroutine or be dispatched elsewhere.
	WithReadConnection(ctx context.Context, cb func(src ConnectionSource, err error))
}

// ConnectionSource describes a single acquired connection used to observe
// the server's current wire version and to release that connection back to
// the pool.
type ConnectionSource interface {
	// MaxWireVersion is the wire version advertised by the server this
	// connection is bound to.
	MaxWireVersion() int32
	// Release returns the connection to its pool. It must be called exactly
	// once per successful WithReadConnection callback.
	Release()
}

// UnderlyingCursor produces successive batches of RawEvents from a single
// server-side aggregation cursor. It is owned exclusively by one Cursor at
// a time; a Cursor replacing it after a resume transfers ownership.
type UnderlyingCursor interface {
	// FetchNext blocks server-side until events are available (or the
	// cursor is killed) and invokes cb exactly once, possibly on a
	// different goroutine than the caller. ok is true when Batch() now
	// holds a non-empty batch.
	FetchNext(ctx context.Context, cb func(ok bool, err error))
	// FetchTryNext is the non-blocking/empty-permitted variant: cb may be
	// invoked with ok=false and err=nil to report "nothing available yet".
	FetchTryNext(ctx context.Context, cb func(ok bool, err error))
	// Batch returns the RawEvents fetched by the most recent successful
	// FetchNext/FetchTryNext callback.
	Batch() []RawEvent
	// PostBatchResumeToken returns the resume token the server attached to
	// the most recent batch, or nil if none was attached.
	PostBatchResumeToken() ResumeToken
	// Close releases server-side resources for this cursor. It is safe to
	// call even if a fetch previously failed.
	Close(ctx context.Context)
	// SetBatchSize/GetBatchSize are passthroughs to the underlying getMore
	// batch size.
	SetBatchSize(n int32)
	GetBatchSize() int32
	// FirstBatchEmpty reports whether the aggregate command that opened
	// this cursor returned zero events in its first batch.
	FirstBatchEmpty() bool
	// MaxWireVersion is the wire version of the connection this cursor was
	// opened on.
	MaxWireVersion() int32
	// ID is the server-side cursor id, or 0 once the server has exhausted
	// or killed it.
	ID() int64
}

// OperationDescriptor is the immutable identity of the change-stream
// aggregation (collection/database target, pipeline, options) plus the
// mutable resume parameters that only a Cursor may mutate.
type OperationDescriptor interface {
	// Execute opens a fresh UnderlyingCursor using the descriptor's current
	// resume parameters, invoking cb exactly once.
	Execute(ctx context.Context, binding Binding, cb func(cur UnderlyingCursor, err error))
	// SetResumeParameters mutates the descriptor so the next Execute call
	// resumes from token (if non-nil) observed at maxWireVersion. Only the
	// Cursor that owns this descriptor may call it.
	SetResumeParameters(token ResumeToken, maxWireVersion int32)
	// Decode decodes a RawEvent into out. Implementations must not convert
	// a decode failure into a classification signal; Cursor wraps decode
	// errors in *DecodeError itself.
	Decode(raw RawEvent, out interface{}) error
	// StartAtOperationTime returns the logical clock pin this descriptor
	// was opened with, if any.
	StartAtOperationTime() *OperationTime
}

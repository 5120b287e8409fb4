// Package changestream implements a resumable change-stream cursor: a
// client-side component that presents a continuous, ordered stream of
// change events over an abstract server-side aggregation cursor,
// transparently re-establishing the stream after classified transient
// failures while preserving event ordering and the caller's
// at-most-once-delivery view.
//
// The package never opens a socket, encodes a wire document, or
// authenticates a session; it orchestrates an abstract UnderlyingCursor
// and OperationDescriptor supplied by the caller. See Binding,
// ConnectionSource, UnderlyingCursor and OperationDescriptor for the
// collaborator contracts, and Cursor for the orchestrator itself.
package changestream

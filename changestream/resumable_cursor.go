package changestream

import (
	"context"
	"sync"
)

// Callback is invoked exactly once to deliver the outcome of a Next or
// TryNext call. It may run on a different goroutine than the one that
// issued the call, since the underlying fetch can complete on an arbitrary
// worker thread supplied by the I/O layer.
type Callback[T any] func(events []T, err error)

// Cursor is the Resumable Cursor State Machine (spec §4.4): it presents a
// continuous, ordered stream of decoded events of type T over an
// UnderlyingCursor, transparently re-establishing the stream via an
// OperationDescriptor after a classified-retryable failure.
//
// A Cursor is safe for concurrent use: at most one Next/TryNext may be
// outstanding at a time (enforced by rejecting a second call, not by
// blocking), and Close is always safe to call while one is in flight.
type Cursor[T any] struct {
	binding Binding
	op      OperationDescriptor

	// mu guards every field below it: the three lifecycle flags (spec
	// §4.5), the installed underlying cursor, the cached resume token, and
	// the context a pending close should tear down with.
	mu                  sync.Mutex
	closed              bool
	operationInProgress bool
	closePending        bool
	closeCtx            context.Context

	underlying      UnderlyingCursor
	token           ResumeToken
	maxWireVersion  int32
	operationTime   *OperationTime
	firstBatchEmpty bool

	resumeSucceeded int64
	resumeFailed    int64
}

// NewCursor builds a Cursor around an already-opened UnderlyingCursor. The
// Cursor takes ownership of cur and retains binding for its own lifetime;
// binding.Release is called exactly once, at successful close.
func NewCursor[T any](binding Binding, op OperationDescriptor, cur UnderlyingCursor, initialToken ResumeToken) *Cursor[T] {
	binding.Retain()
	c := &Cursor[T]{
		binding:         binding,
		op:              op,
		underlying:      cur,
		token:           initialToken,
		maxWireVersion:  cur.MaxWireVersion(),
		operationTime:   op.StartAtOperationTime(),
		firstBatchEmpty: cur.FirstBatchEmpty(),
	}
	if cur.FirstBatchEmpty() {
		if pbrt := cur.PostBatchResumeToken(); pbrt != nil {
			c.token = pbrt
		}
	}
	return c
}

// Next fetches the next non-empty batch, decodes it, and delivers it via
// cb. The underlying fetch may block arbitrarily long waiting for server
// events; cb's events slice is never empty on a nil error unless the server
// has signalled end-of-stream (ID() == 0).
func (c *Cursor[T]) Next(ctx context.Context, cb Callback[T]) {
	c.begin(ctx, false, cb)
}

// TryNext fetches whatever is immediately available. An empty, nil-error
// result is a normal outcome meaning "no events yet", not an error.
func (c *Cursor[T]) TryNext(ctx context.Context, cb Callback[T]) {
	c.begin(ctx, true, cb)
}

func (c *Cursor[T]) begin(ctx context.Context, tryNext bool, cb Callback[T]) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cb(nil, &LifecycleError{Op: opName(tryNext)})
		return
	}
	if c.operationInProgress {
		c.mu.Unlock()
		cb(nil, ErrOperationInProgress)
		return
	}
	c.operationInProgress = true
	cur := c.underlying
	c.mu.Unlock()

	if cur == nil {
		c.finish(ctx, nil, ErrNilCursor, cb)
		return
	}

	c.runFetch(ctx, cur, tryNext, cb)
}

// runFetch drives one fetch attempt to completion, resuming transparently
// on a classified-retryable failure and looping under Next until a
// non-empty batch, an error, or server end-of-stream is observed.
func (c *Cursor[T]) runFetch(ctx context.Context, cur UnderlyingCursor, tryNext bool, cb Callback[T]) {
	var onFetchDone func(ok bool, err error)
	onFetchDone = func(ok bool, err error) {
		if err != nil {
			wireVersion := c.snapshotWireVersion()
			if IsRetryable(err, wireVersion) {
				c.resume(ctx, cur, tryNext, cb)
				return
			}
			c.finish(ctx, nil, err, cb)
			return
		}

		if !ok {
			// getMore succeeded but returned no events: track any
			// post-batch resume token the server attached even though
			// nothing is being delivered (spec §4.3 step 1).
			c.applyPostBatchToken(cur)

			if tryNext {
				c.finish(ctx, []T{}, nil, cb)
				return
			}
			if cur.ID() == 0 {
				// server signalled end of stream
				c.finish(ctx, []T{}, nil, cb)
				return
			}
			// Next keeps blocking until a non-empty batch arrives.
			cur.FetchNext(ctx, onFetchDone)
			return
		}

		events, terr := c.decodeAndAdvance(cur)
		if terr != nil {
			c.finish(ctx, nil, terr, cb)
			return
		}
		c.finish(ctx, events, nil, cb)
	}

	if tryNext {
		cur.FetchTryNext(ctx, onFetchDone)
	} else {
		cur.FetchNext(ctx, onFetchDone)
	}
}

// resume implements spec §4.4 step 4's retryable branch: discard the failed
// underlying cursor, re-execute the operation with the cached resume token
// and the new connection's wire version, install the new cursor, and retry
// the original fetch. operationInProgress is kept true for the whole
// sequence (it was already set by begin).
func (c *Cursor[T]) resume(ctx context.Context, failed UnderlyingCursor, tryNext bool, cb Callback[T]) {
	failed.Close(ctx)

	c.binding.WithReadConnection(ctx, func(src ConnectionSource, err error) {
		if err != nil {
			c.recordResume(false)
			c.finish(ctx, nil, err, cb)
			return
		}

		wireVersion := src.MaxWireVersion()
		c.op.SetResumeParameters(c.snapshotToken(), wireVersion)
		src.Release()

		c.op.Execute(ctx, c.binding, func(next UnderlyingCursor, err error) {
			if err != nil {
				// A failure during resume setup is surfaced directly; the
				// retryable window only ever covered the original fetch.
				c.recordResume(false)
				c.finish(ctx, nil, err, cb)
				return
			}
			if next.ID() == 0 {
				c.recordResume(false)
				c.finish(ctx, nil, ErrCursorAlreadyClosed, cb)
				return
			}

			c.mu.Lock()
			c.underlying = next
			c.maxWireVersion = next.MaxWireVersion()
			c.firstBatchEmpty = next.FirstBatchEmpty()
			c.mu.Unlock()
			c.recordResume(true)

			c.runFetch(ctx, next, tryNext, cb)
		})
	})
}

// decodeAndAdvance decodes the batch currently held by cur and advances the
// resume token per spec §4.3: the post-batch token takes precedence over
// the last event's _id (I2). A RawEvent missing _id aborts the whole batch
// (I5): nothing is delivered and the token is left unchanged.
func (c *Cursor[T]) decodeAndAdvance(cur UnderlyingCursor) ([]T, error) {
	raws := cur.Batch()
	events := make([]T, 0, len(raws))
	var lastID ResumeToken

	for _, raw := range raws {
		idRaw, ok := raw.Lookup("_id").DocumentOK()
		if !ok {
			return nil, ErrMissingResumeToken
		}
		lastID = ResumeToken(idRaw)

		var ev T
		if err := c.op.Decode(raw, &ev); err != nil {
			return nil, &DecodeError{Err: err}
		}
		events = append(events, ev)
	}

	c.mu.Lock()
	if pbrt := cur.PostBatchResumeToken(); pbrt != nil {
		c.token = pbrt
	} else if len(raws) > 0 {
		c.token = lastID
	}
	c.mu.Unlock()

	return events, nil
}

// applyPostBatchToken caches the server's post-batch resume token for an
// otherwise-empty getMore response, so progress isn't lost even though no
// events are delivered.
func (c *Cursor[T]) applyPostBatchToken(cur UnderlyingCursor) {
	pbrt := cur.PostBatchResumeToken()
	if pbrt == nil {
		return
	}
	c.mu.Lock()
	c.token = pbrt
	c.mu.Unlock()
}

// finish performs the operationInProgress -> idle transition (spec §4.5),
// draining a pending close if one was requested mid-fetch, then delivers
// the callback.
func (c *Cursor[T]) finish(ctx context.Context, events []T, err error, cb Callback[T]) {
	c.mu.Lock()
	c.operationInProgress = false
	pending := c.closePending
	var underlying UnderlyingCursor
	var closeCtx context.Context
	if pending {
		c.closePending = false
		c.closed = true
		underlying = c.underlying
		c.underlying = nil
		closeCtx = c.closeCtx
	}
	c.mu.Unlock()

	if pending {
		c.teardown(closeCtx, underlying)
	}

	cb(events, err)
}

// Close idempotently terminates the cursor (spec §4.5). It never blocks on
// an in-flight fetch: if one is in progress, Close only marks closePending
// and returns; the in-flight operation's own completion (success or
// failure) performs the actual teardown. Close never returns an error.
func (c *Cursor[T]) Close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.operationInProgress {
		c.closePending = true
		c.closeCtx = ctx
		c.mu.Unlock()
		return
	}

	c.closed = true
	underlying := c.underlying
	c.underlying = nil
	c.mu.Unlock()

	c.teardown(ctx, underlying)
}

// teardown closes the underlying cursor (if any) and releases the binding
// exactly once (I4).
func (c *Cursor[T]) teardown(ctx context.Context, underlying UnderlyingCursor) {
	if ctx == nil {
		ctx = context.Background()
	}
	if underlying != nil {
		underlying.Close(ctx)
	}
	c.binding.Release()
}

// IsClosed reports whether Close has fully completed (a pending close that
// is merely deferred behind an in-flight fetch does not count).
func (c *Cursor[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// GetPostBatchResumeToken returns the last cached resume token, or nil if
// none has been stored yet.
func (c *Cursor[T]) GetPostBatchResumeToken() ResumeToken {
	return c.snapshotToken()
}

// GetOperationTime returns the logical clock pin the OperationDescriptor
// reported (StartAtOperationTime) when this Cursor was constructed, or nil
// if it reported none.
func (c *Cursor[T]) GetOperationTime() *OperationTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operationTime
}

// GetMaxWireVersion returns the wire version of the connection the current
// underlying cursor was opened on.
func (c *Cursor[T]) GetMaxWireVersion() int32 {
	return c.snapshotWireVersion()
}

// IsFirstBatchEmpty reports whether the most recently opened underlying
// cursor (the original open, or the cursor installed by the most recent
// resume) returned zero events in its first batch.
func (c *Cursor[T]) IsFirstBatchEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstBatchEmpty
}

// ResumeCounts returns the number of cursor-level resume attempts completed
// so far, broken out by outcome, since this Cursor was constructed. A caller
// instrumenting resumes (e.g. a watch loop exporting metrics) should poll
// this after every Next/TryNext and diff against its own last-seen values.
func (c *Cursor[T]) ResumeCounts() (succeeded, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeSucceeded, c.resumeFailed
}

func (c *Cursor[T]) recordResume(succeeded bool) {
	c.mu.Lock()
	if succeeded {
		c.resumeSucceeded++
	} else {
		c.resumeFailed++
	}
	c.mu.Unlock()
}

// SetBatchSize/GetBatchSize pass through to the installed underlying
// cursor. Calling either while no underlying cursor is installed is a
// no-op / returns 0, respectively.
func (c *Cursor[T]) SetBatchSize(n int32) {
	c.mu.Lock()
	cur := c.underlying
	c.mu.Unlock()
	if cur != nil {
		cur.SetBatchSize(n)
	}
}

func (c *Cursor[T]) GetBatchSize() int32 {
	c.mu.Lock()
	cur := c.underlying
	c.mu.Unlock()
	if cur == nil {
		return 0
	}
	return cur.GetBatchSize()
}

func (c *Cursor[T]) snapshotToken() ResumeToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Cursor[T]) snapshotWireVersion() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxWireVersion
}

func opName(tryNext bool) string {
	if tryNext {
		return "tryNext()"
	}
	return "next()"
}

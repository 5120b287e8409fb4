// Package mongoresume adapts changestream.UnderlyingCursor and
// changestream.OperationDescriptor onto the public
// go.mongodb.org/mongo-driver API, so changestream.Cursor can drive a real
// change stream aggregation instead of a test double. It is the one place
// in this module that imports go.mongodb.org/mongo-driver/mongo — the core
// changestream package never does.
package mongoresume

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// Cursor adapts a *mongo.Cursor opened against a $changeStream aggregation
// into a changestream.UnderlyingCursor. The public mongo.Cursor API is
// document-at-a-time, so FetchNext/FetchTryNext drain the rest of the
// server's current batch (via RemainingBatchLength) into a local slice to
// satisfy the batch-shaped contract.
//
// The public driver does not expose the post-batch resume token outside of
// its own internal change-stream implementation, so PostBatchResumeToken
// always returns nil here; callers relying on progress-without-delivery on
// an otherwise-empty batch should prefer the driver's own mongo.ChangeStream
// for that case, or a future adapter built on the driver's lower-level
// cursor package once it is exported.
type Cursor struct {
	raw         *mongo.Cursor
	batch       []changestream.RawEvent
	wireVersion int32
	firstBatch  bool
}

// NewCursor wraps an already-opened *mongo.Cursor. firstBatchEmpty should
// reflect whether the aggregate command that produced raw returned zero
// documents, and wireVersion the max wire version of the connection it was
// opened on.
func NewCursor(raw *mongo.Cursor, wireVersion int32, firstBatchEmpty bool) *Cursor {
	return &Cursor{raw: raw, wireVersion: wireVersion, firstBatch: firstBatchEmpty}
}

func (c *Cursor) drain(ctx context.Context, advanced bool) (bool, error) {
	if !advanced {
		return false, nil
	}

	batch := make([]changestream.RawEvent, 0, 1+c.raw.RemainingBatchLength())
	batch = append(batch, append(changestream.RawEvent(nil), c.raw.Current...))

	for c.raw.RemainingBatchLength() > 0 && c.raw.Next(ctx) {
		batch = append(batch, append(changestream.RawEvent(nil), c.raw.Current...))
	}
	if err := c.raw.Err(); err != nil {
		return false, classifyDriverError(err)
	}

	c.batch = batch
	c.firstBatch = false
	return true, nil
}

func (c *Cursor) FetchNext(ctx context.Context, cb func(ok bool, err error)) {
	ok, err := c.drain(ctx, c.raw.Next(ctx))
	cb(ok, err)
}

func (c *Cursor) FetchTryNext(ctx context.Context, cb func(ok bool, err error)) {
	ok, err := c.drain(ctx, c.raw.TryNext(ctx))
	cb(ok, err)
}

func (c *Cursor) Batch() []changestream.RawEvent { return c.batch }

// PostBatchResumeToken is always nil; see the Cursor doc comment.
func (c *Cursor) PostBatchResumeToken() changestream.ResumeToken { return nil }

func (c *Cursor) Close(ctx context.Context) {
	_ = c.raw.Close(ctx)
}

func (c *Cursor) SetBatchSize(n int32) {
	// The public mongo.Cursor does not expose a batch-size setter after
	// open; batch size is fixed at aggregate time by
	// options.Aggregate().SetBatchSize. Kept as a no-op so callers written
	// against the interface don't need a type switch.
}

// GetBatchSize returns the number of events in the most recently fetched
// batch; the batch size configured on the aggregate is not reported.
func (c *Cursor) GetBatchSize() int32 { return int32(len(c.batch)) }

func (c *Cursor) FirstBatchEmpty() bool { return c.firstBatch }

func (c *Cursor) MaxWireVersion() int32 { return c.wireVersion }

func (c *Cursor) ID() int64 { return c.raw.ID() }

// classifyDriverError maps a go.mongodb.org/mongo-driver error into a
// *changestream.CommandError so changestream.IsRetryable can classify it;
// errors that aren't command errors (network failures, context errors) pass
// through unchanged, which IsRetryable already treats as resumable.
func classifyDriverError(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return &changestream.CommandError{
			Code:    cmdErr.Code,
			Labels:  cmdErr.Labels,
			Message: cmdErr.Message,
		}
	}

	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		labels := labelsOf(srvErr)
		return &changestream.CommandError{Labels: labels, Message: srvErr.Error()}
	}

	return err
}

func labelsOf(srvErr mongo.ServerError) []string {
	candidates := []string{changestream.NetworkErrorLabel, changestream.ResumableChangeStreamErrorLabel}
	var labels []string
	for _, l := range candidates {
		if srvErr.HasErrorLabel(l) {
			labels = append(labels, l)
		}
	}
	return labels
}

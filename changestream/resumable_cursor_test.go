package changestream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/relaydb/relaydb-go-driver/changestream"
	"github.com/relaydb/relaydb-go-driver/changestream/changestreamtest"
)

type event struct {
	ID bson.Raw `bson:"_id"`
	V  int      `bson:"v"`
}

func rawEvent(t *testing.T, tsID, v int) changestream.RawEvent {
	t.Helper()
	doc, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.D{{Key: "ts", Value: tsID}}},
		{Key: "v", Value: v},
	})
	require.NoError(t, err)
	return changestream.RawEvent(doc)
}

func rawEventMissingID(t *testing.T, v int) changestream.RawEvent {
	t.Helper()
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	require.NoError(t, err)
	return changestream.RawEvent(doc)
}

func resumeToken(t *testing.T, tsID int) changestream.ResumeToken {
	t.Helper()
	doc, err := bson.Marshal(bson.D{{Key: "ts", Value: tsID}})
	require.NoError(t, err)
	return changestream.ResumeToken(doc)
}

func newHarness() (*changestreamtest.Binding, *changestreamtest.OperationDescriptor, *changestreamtest.Cursor) {
	return &changestreamtest.Binding{}, &changestreamtest.OperationDescriptor{}, changestreamtest.NewCursor(10)
}

// Scenario 1: happy path.
func TestHappyPath(t *testing.T) {
	binding, op, cur := newHarness()
	cur.Push(
		changestreamtest.Step{Events: []changestream.RawEvent{rawEvent(t, 1, 1)}},
		changestreamtest.Step{Events: []changestream.RawEvent{rawEvent(t, 2, 2)}},
	)

	c := changestream.NewCursor[event](binding, op, cur, nil)

	var got []event
	var err error

	c.TryNext(context.Background(), func(events []event, e error) { got, err = events, e })
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].V)
	require.Equal(t, resumeToken(t, 1), c.GetPostBatchResumeToken())

	c.TryNext(context.Background(), func(events []event, e error) { got, err = events, e })
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2, got[0].V)
	require.Equal(t, resumeToken(t, 2), c.GetPostBatchResumeToken())

	c.TryNext(context.Background(), func(events []event, e error) { got, err = events, e })
	require.NoError(t, err)
	require.Empty(t, got)
	// token unchanged by the empty getMore with no postBatchResumeToken.
	require.Equal(t, resumeToken(t, 2), c.GetPostBatchResumeToken())
}

// Scenario 2: post-batch token takes precedence over the last event's _id.
func TestPostBatchTokenPrecedence(t *testing.T) {
	binding, op, cur := newHarness()
	pbrt := resumeToken(t, 999)
	cur.Push(changestreamtest.Step{
		Events:         []changestream.RawEvent{rawEvent(t, 1, 1)},
		PostBatchToken: pbrt,
	})

	c := changestream.NewCursor[event](binding, op, cur, nil)

	var err error
	c.TryNext(context.Background(), func(events []event, e error) { err = e })
	require.NoError(t, err)
	require.Equal(t, pbrt, c.GetPostBatchResumeToken())
}

// Scenario 3: resume on a classified-retryable transient failure.
func TestResumeOnTransient(t *testing.T) {
	binding, op, cur1 := newHarness()
	cur1.Push(changestreamtest.Step{Err: &changestream.CommandError{Labels: []string{changestream.NetworkErrorLabel}}})

	cur2 := changestreamtest.NewCursor(14)
	cur2.Push(changestreamtest.Step{Events: []changestream.RawEvent{rawEvent(t, 5, 5)}})
	op.PushExecute(cur2, nil)

	binding.SetNextSource(&changestreamtest.ConnectionSource{WireVersion: 14}, nil)

	startToken := resumeToken(t, 3)
	c := changestream.NewCursor[event](binding, op, cur1, startToken)

	var got []event
	var err error
	c.Next(context.Background(), func(events []event, e error) { got, err = events, e })

	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 5, got[0].V)

	require.EqualValues(t, 1, cur1.CloseCount, "failed underlying cursor must be closed before resuming")
	require.EqualValues(t, 1, op.ResumeCalls)
	require.Equal(t, startToken, op.ResumeToken, "resume must use the cached token, not a newer one")
	require.EqualValues(t, 14, op.ResumeWireVersion, "resume must use the new connection's wire version")
	require.EqualValues(t, 1, binding.RetainCount)
	require.EqualValues(t, 0, binding.ReleaseCount, "binding is not released until Close")

	succeeded, failed := c.ResumeCounts()
	require.EqualValues(t, 1, succeeded)
	require.EqualValues(t, 0, failed)
}

// Scenario 4: a RawEvent with no _id aborts the whole batch.
func TestMissingIDAborts(t *testing.T) {
	binding, op, cur := newHarness()
	cur.Push(changestreamtest.Step{Events: []changestream.RawEvent{rawEventMissingID(t, 1)}})

	c := changestream.NewCursor[event](binding, op, cur, nil)

	var err error
	c.TryNext(context.Background(), func(events []event, e error) { err = e })

	require.ErrorIs(t, err, changestream.ErrMissingResumeToken)
	require.Nil(t, c.GetPostBatchResumeToken())
	require.False(t, c.IsClosed())
}

// Scenario 5: close during an in-flight Next is deferred; when the fetch
// completes, the cursor tears down exactly once and then delivers the
// fetch's own result; a subsequent call fails with a lifecycle error.
func TestCloseDuringInFlightNext(t *testing.T) {
	binding, op, cur := newHarness()
	cur.Push(changestreamtest.Step{Events: []changestream.RawEvent{rawEvent(t, 1, 1)}})

	block := &blockingCursor{Cursor: cur, proceed: make(chan struct{})}
	c := changestream.NewCursor[event](binding, op, block, nil)

	done := make(chan struct{})
	var got []event
	var fetchErr error
	go func() {
		c.Next(context.Background(), func(events []event, e error) {
			got, fetchErr = events, e
			close(done)
		})
	}()

	// Give Next a chance to register as in-flight before racing Close.
	time.Sleep(20 * time.Millisecond)
	c.Close(context.Background())
	require.False(t, c.IsClosed(), "close must be deferred while a fetch is in flight")
	require.EqualValues(t, 0, binding.ReleaseCount)

	close(block.proceed)
	<-done

	require.NoError(t, fetchErr)
	require.Len(t, got, 1)

	require.True(t, c.IsClosed())
	require.EqualValues(t, 1, cur.CloseCount)
	require.EqualValues(t, 1, binding.ReleaseCount)

	var nextErr error
	c.Next(context.Background(), func(events []event, e error) { nextErr = e })
	var lifecycleErr *changestream.LifecycleError
	require.ErrorAs(t, nextErr, &lifecycleErr)
	require.Equal(t, "next()", lifecycleErr.Op)
}

// Scenario 6: Close is idempotent.
func TestCloseAfterClose(t *testing.T) {
	binding, op, cur := newHarness()
	c := changestream.NewCursor[event](binding, op, cur, nil)

	c.Close(context.Background())
	c.Close(context.Background())
	c.Close(context.Background())

	require.EqualValues(t, 1, binding.ReleaseCount)
	require.True(t, c.IsClosed())
}

func TestResumeSetupFailureSurfacesDirectly(t *testing.T) {
	binding, op, cur := newHarness()
	cur.Push(changestreamtest.Step{Err: &changestream.CommandError{Labels: []string{changestream.NetworkErrorLabel}}})

	setupErr := errors.New("no server available to acquire a read connection")
	binding.SetNextSource(nil, setupErr)

	c := changestream.NewCursor[event](binding, op, cur, nil)

	var err error
	c.Next(context.Background(), func(events []event, e error) { err = e })

	require.ErrorIs(t, err, setupErr)
	require.EqualValues(t, 1, cur.CloseCount)

	succeeded, failed := c.ResumeCounts()
	require.EqualValues(t, 0, succeeded)
	require.EqualValues(t, 1, failed)
}

func TestResumeReturningAlreadyClosedCursorIsNonRetryable(t *testing.T) {
	binding, op, cur := newHarness()
	cur.Push(changestreamtest.Step{Err: &changestream.CommandError{Labels: []string{changestream.NetworkErrorLabel}}})

	closedCur := changestreamtest.NewCursor(14).Exhaust()
	op.PushExecute(closedCur, nil)
	binding.SetNextSource(&changestreamtest.ConnectionSource{WireVersion: 14}, nil)

	c := changestream.NewCursor[event](binding, op, cur, nil)

	var err error
	c.Next(context.Background(), func(events []event, e error) { err = e })

	require.ErrorIs(t, err, changestream.ErrCursorAlreadyClosed)

	succeeded, failed := c.ResumeCounts()
	require.EqualValues(t, 0, succeeded)
	require.EqualValues(t, 1, failed)
}

// GetOperationTime pins the logical clock a stream was opened at; it is
// observed from the descriptor once, at open, and never mutated afterward.
func TestGetOperationTimePinsStartOption(t *testing.T) {
	binding, op, cur := newHarness()
	ot := changestream.OperationTime(primitive.Timestamp{T: 100, I: 1})
	op.SetStartAtOperationTime(&ot)

	c := changestream.NewCursor[event](binding, op, cur, nil)

	require.Equal(t, &ot, c.GetOperationTime())
}

func TestGetOperationTimeNilWithoutStartOption(t *testing.T) {
	binding, op, cur := newHarness()
	c := changestream.NewCursor[event](binding, op, cur, nil)

	require.Nil(t, c.GetOperationTime())
}

// IsFirstBatchEmpty reflects the most recently installed underlying cursor's
// opening batch, including after a resume installs a new one.
func TestIsFirstBatchEmptyTracksCurrentUnderlyingCursor(t *testing.T) {
	binding, op, cur1 := newHarness()
	cur1.Push(changestreamtest.Step{Err: &changestream.CommandError{Labels: []string{changestream.NetworkErrorLabel}}})
	emptyOpen := &firstBatchCursor{Cursor: cur1, empty: true}

	c := changestream.NewCursor[event](binding, op, emptyOpen, nil)
	require.True(t, c.IsFirstBatchEmpty(), "cur1 opened with an empty first batch")

	cur2 := changestreamtest.NewCursor(14)
	cur2.Push(changestreamtest.Step{Events: []changestream.RawEvent{rawEvent(t, 5, 5)}})
	op.PushExecute(cur2, nil)
	binding.SetNextSource(&changestreamtest.ConnectionSource{WireVersion: 14}, nil)

	c.Next(context.Background(), func(events []event, e error) {})

	require.False(t, c.IsFirstBatchEmpty(), "cur2 opened with a non-empty first batch")
}

// firstBatchCursor overrides FirstBatchEmpty so a test can pin the value
// observed when a cursor is installed, independent of changestreamtest.Cursor's
// own FirstBatchEmpty (which only reflects the most recently popped Step).
type firstBatchCursor struct {
	*changestreamtest.Cursor
	empty bool
}

func (f *firstBatchCursor) FirstBatchEmpty() bool { return f.empty }

func TestOperationInProgressRejectsConcurrentFetch(t *testing.T) {
	binding, op, cur := newHarness()
	cur.Push(changestreamtest.Step{Events: []changestream.RawEvent{rawEvent(t, 1, 1)}})
	block := &blockingCursor{Cursor: cur, proceed: make(chan struct{})}
	c := changestream.NewCursor[event](binding, op, block, nil)

	firstDone := make(chan struct{})
	go c.Next(context.Background(), func(events []event, e error) { close(firstDone) })
	time.Sleep(20 * time.Millisecond)

	var err error
	c.TryNext(context.Background(), func(events []event, e error) { err = e })
	require.ErrorIs(t, err, changestream.ErrOperationInProgress)

	close(block.proceed)
	<-firstDone
}

// blockingCursor wraps a *changestreamtest.Cursor and withholds FetchNext's
// delegation until proceed is closed, letting a test deterministically race
// Close against an in-flight fetch.
type blockingCursor struct {
	*changestreamtest.Cursor
	proceed chan struct{}
}

func (b *blockingCursor) FetchNext(ctx context.Context, cb func(ok bool, err error)) {
	<-b.proceed
	b.Cursor.FetchNext(ctx, cb)
}

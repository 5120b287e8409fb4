// Package changestreamtest provides in-memory fakes of the changestream
// package's collaborator interfaces (Binding, ConnectionSource,
// UnderlyingCursor, OperationDescriptor) for use in tests, both the core
// package's own and any downstream consumer's.
package changestreamtest

import (
	"context"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// Step scripts one FetchNext/FetchTryNext outcome for a Cursor.
type Step struct {
	// Events is the batch delivered when this step succeeds. A nil or
	// empty Events with Err == nil models "getMore succeeded, nothing new".
	Events []changestream.RawEvent
	// PostBatchToken is returned by PostBatchResumeToken() after this step.
	PostBatchToken changestream.ResumeToken
	// Err, if non-nil, is delivered as the fetch's error instead of Events.
	Err error
	// FirstBatch marks this as the result of the operation's opening
	// execute rather than a getMore.
	FirstBatch bool
}

// Cursor is a scripted UnderlyingCursor: each call to FetchNext or
// FetchTryNext consumes the next Step queued via Push.
type Cursor struct {
	mu        sync.Mutex
	steps     []Step
	current   Step
	closed    bool
	closeErr  error
	id        int64
	wireVer   int32
	batchSize int32

	// Async controls whether FetchNext/FetchTryNext invoke cb synchronously
	// (false, the default — simplest for deterministic tests) or on a new
	// goroutine (true — exercises the "completion on an arbitrary worker
	// thread" contract and races with concurrent Close calls).
	Async bool

	// CloseCount records how many times Close was called (idempotency
	// checks live at the changestream.Cursor layer, but fakes still track
	// this for assertions).
	CloseCount int32
}

// NewCursor builds a scripted cursor with the given initial wire version
// and a non-zero server-side id (so ID() == 0 only ever signals exhaustion
// explicitly requested by a test via Exhaust).
func NewCursor(wireVersion int32) *Cursor {
	return &Cursor{id: 1, wireVer: wireVersion}
}

// Push appends steps to be returned by successive fetch calls.
func (c *Cursor) Push(steps ...Step) *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
	return c
}

// Exhaust marks the cursor as server-exhausted: ID() reports 0 from now on.
func (c *Cursor) Exhaust() *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = 0
	return c
}

func (c *Cursor) pop() (Step, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steps) == 0 {
		return Step{}, false
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	c.current = s
	return s, true
}

func (c *Cursor) deliver(cb func(ok bool, err error)) {
	s, has := c.pop()
	if !has {
		if c.Async {
			go cb(false, nil)
			return
		}
		cb(false, nil)
		return
	}

	ok := s.Err == nil && len(s.Events) > 0
	if c.Async {
		go cb(ok, s.Err)
		return
	}
	cb(ok, s.Err)
}

func (c *Cursor) FetchNext(ctx context.Context, cb func(ok bool, err error)) {
	c.deliver(cb)
}

func (c *Cursor) FetchTryNext(ctx context.Context, cb func(ok bool, err error)) {
	c.deliver(cb)
}

func (c *Cursor) Batch() []changestream.RawEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Events
}

func (c *Cursor) PostBatchResumeToken() changestream.ResumeToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.PostBatchToken
}

func (c *Cursor) Close(ctx context.Context) {
	atomic.AddInt32(&c.CloseCount, 1)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Cursor) SetBatchSize(n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchSize = n
}

func (c *Cursor) GetBatchSize() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchSize
}

func (c *Cursor) FirstBatchEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.FirstBatch && len(c.current.Events) == 0
}

func (c *Cursor) MaxWireVersion() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wireVer
}

func (c *Cursor) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// ConnectionSource is a scripted changestream.ConnectionSource.
type ConnectionSource struct {
	WireVersion  int32
	ReleaseCount int32
}

func (s *ConnectionSource) MaxWireVersion() int32 { return s.WireVersion }

func (s *ConnectionSource) Release() {
	atomic.AddInt32(&s.ReleaseCount, 1)
}

// Binding is a scripted changestream.Binding that counts retain/release
// calls so tests can assert I4 (release exactly once).
type Binding struct {
	mu sync.Mutex

	RetainCount  int32
	ReleaseCount int32

	// NextSource is returned by WithReadConnection; NextSourceErr is
	// delivered instead when non-nil.
	NextSource    *ConnectionSource
	NextSourceErr error
}

func (b *Binding) Retain() {
	atomic.AddInt32(&b.RetainCount, 1)
}

func (b *Binding) Release() {
	atomic.AddInt32(&b.ReleaseCount, 1)
}

func (b *Binding) WithReadConnection(ctx context.Context, cb func(src changestream.ConnectionSource, err error)) {
	b.mu.Lock()
	src, err := b.NextSource, b.NextSourceErr
	b.mu.Unlock()

	if err != nil {
		cb(nil, err)
		return
	}
	cb(src, nil)
}

// SetNextSource configures the ConnectionSource (or error) the next
// WithReadConnection call delivers.
func (b *Binding) SetNextSource(src *ConnectionSource, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NextSource, b.NextSourceErr = src, err
}

// OperationDescriptor is a scripted changestream.OperationDescriptor. Each
// Execute call consumes the next queued (*Cursor, error) pair via PushExecute.
type OperationDescriptor struct {
	mu sync.Mutex

	executes []executeResult

	// ResumeToken/ResumeWireVersion record the arguments of the most recent
	// SetResumeParameters call.
	ResumeToken       changestream.ResumeToken
	ResumeWireVersion int32
	ResumeCalls       int32

	DecodeFunc func(raw changestream.RawEvent, out interface{}) error

	startAtOperationTime *changestream.OperationTime
}

type executeResult struct {
	cur *Cursor
	err error
}

func (o *OperationDescriptor) PushExecute(cur *Cursor, err error) *OperationDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executes = append(o.executes, executeResult{cur: cur, err: err})
	return o
}

func (o *OperationDescriptor) Execute(ctx context.Context, binding changestream.Binding, cb func(cur changestream.UnderlyingCursor, err error)) {
	o.mu.Lock()
	if len(o.executes) == 0 {
		o.mu.Unlock()
		cb(nil, nil)
		return
	}
	r := o.executes[0]
	o.executes = o.executes[1:]
	o.mu.Unlock()

	if r.err != nil {
		cb(nil, r.err)
		return
	}
	cb(r.cur, nil)
}

func (o *OperationDescriptor) SetResumeParameters(token changestream.ResumeToken, maxWireVersion int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ResumeToken = token
	o.ResumeWireVersion = maxWireVersion
	o.ResumeCalls++
}

func (o *OperationDescriptor) Decode(raw changestream.RawEvent, out interface{}) error {
	if o.DecodeFunc != nil {
		return o.DecodeFunc(raw, out)
	}
	return bson.Unmarshal(raw, out)
}

func (o *OperationDescriptor) StartAtOperationTime() *changestream.OperationTime {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startAtOperationTime
}

// SetStartAtOperationTime configures the value StartAtOperationTime returns,
// as if the descriptor had originally been opened with that start option.
func (o *OperationDescriptor) SetStartAtOperationTime(t *changestream.OperationTime) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startAtOperationTime = t
}

// Package watch provides a production-facing consumer of a
// changestream.Cursor: it drives the cursor, batches decoded events to a
// consumer callback, checkpoints the resume token to a pluggable store, and
// reconnects with backoff when the cursor itself gives up (a failure the
// retryability classifier has decided is not locally resumable, such as a
// stale resume token).
package watch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/relaydb/relaydb-go-driver/changestream"
	"github.com/relaydb/relaydb-go-driver/internal/metrics"
	"github.com/relaydb/relaydb-go-driver/internal/watch/checkpoint"
)

// CursorFactory opens a fresh changestream.Cursor, resuming from token if
// non-nil. It is called once at startup and again every time the watch loop
// needs to reconnect after the cursor has given up retrying locally.
type CursorFactory[T any] func(ctx context.Context, resumeToken changestream.ResumeToken) (*changestream.Cursor[T], error)

// Consumer processes one decoded batch. A returned error fails the batch
// (logged and counted) but does not stop the watcher; the next batch is
// still checkpointed independently once its own Consumer call succeeds.
type Consumer[T any] func(ctx context.Context, events []T) error

// Config controls the outer reconnect loop. Individual cursor-level resumes
// are governed entirely by changestream.Cursor and never consult this
// config.
type Config struct {
	// Name identifies this watcher in logs and metric labels.
	Name string
	// CheckpointKey is the key under which the resume token is persisted.
	CheckpointKey string
	// InitialBackoff and MaxBackoff bound the reconnect delay after the
	// cursor surfaces a non-resumable error.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// IdlePoll is how long to wait between TryNext calls when one returns
	// no events, so an idle stream doesn't spin the loop.
	IdlePoll time.Duration
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 100 * time.Millisecond
	}
}

// Watcher drives a changestream.Cursor to completion, checkpointing and
// reconnecting as needed. A Watcher is single-use: call Run once.
type Watcher[T any] struct {
	cfg            Config
	factory        CursorFactory[T]
	store          checkpoint.Store
	consume        Consumer[T]
	log            *logrus.Entry
	uncheckpointed atomic32
}

// NewWatcher builds a Watcher. log may be nil, in which case a discarded
// logger is used.
func NewWatcher[T any](cfg Config, factory CursorFactory[T], store checkpoint.Store, consume Consumer[T], log *logrus.Logger) *Watcher[T] {
	cfg.setDefaults()
	if log == nil {
		log = logrus.New()
		log.Out = io.Discard
	}
	return &Watcher[T]{
		cfg:     cfg,
		factory: factory,
		store:   store,
		consume: consume,
		log:     log.WithField("stream", cfg.Name),
	}
}

// Run blocks until ctx is cancelled and then returns nil. A failure to load
// the initial checkpoint is logged and the stream starts from the current
// position; failures to open a cursor (including the first) and mid-stream
// failures are retried with backoff rather than returned.
func (w *Watcher[T]) Run(ctx context.Context) error {
	token, err := w.store.GetCheckpoint(ctx, w.cfg.CheckpointKey)
	if err != nil {
		w.log.WithError(err).Warn("failed to load checkpoint, starting from current position")
		token = nil
	} else if token != nil {
		w.log.Info("resuming from checkpoint")
	}

	bo := w.newBackOff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		cur, err := w.factory(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			w.log.WithError(err).WithField("wait", wait).Warn("failed to open change stream, retrying")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()

		streamErr := w.drive(ctx, cur, &token)
		cur.Close(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if streamErr == nil {
			continue
		}

		if isStaleResumeTokenError(streamErr) {
			w.log.WithError(streamErr).Error("resume token rejected by server, restarting from current position; events may be missed")
			if err := w.clearCheckpoint(ctx); err != nil {
				w.log.WithError(err).Warn("failed to clear checkpoint")
			}
			token = nil
			metrics.Reconnects.WithLabelValues(w.cfg.Name, "stale_token").Inc()
			continue
		}

		wait := bo.NextBackOff()
		w.log.WithError(streamErr).WithField("wait", wait).Warn("change stream failed, reconnecting")
		metrics.Reconnects.WithLabelValues(w.cfg.Name, "backoff").Inc()
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// drive pulls events from cur until ctx is cancelled or cur surfaces an
// error it could not resolve locally. *token is updated after every
// successfully consumed batch for which cur has a resume token, whether or
// not saving the checkpoint then succeeds, so a subsequent reconnect
// resumes from the right place.
func (w *Watcher[T]) drive(ctx context.Context, cur *changestream.Cursor[T], token *changestream.ResumeToken) error {
	var prevResumesSucceeded, prevResumesFailed int64
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := w.next(ctx, cur)
		w.recordResumes(cur, &prevResumesSucceeded, &prevResumesFailed)
		if err != nil {
			var lifecycleErr *changestream.LifecycleError
			if errors.As(err, &lifecycleErr) {
				return nil
			}
			return err
		}

		if len(events) == 0 {
			if !sleep(ctx, w.cfg.IdlePoll) {
				return nil
			}
			continue
		}

		metrics.BatchesProcessed.WithLabelValues(w.cfg.Name).Inc()
		w.uncheckpointed.add(1)
		metrics.Lag.WithLabelValues(w.cfg.Name).Set(float64(w.uncheckpointed.get()))
		start := time.Now()
		consumeErr := w.consume(ctx, events)
		metrics.ProcessingDuration.WithLabelValues(w.cfg.Name).Observe(time.Since(start).Seconds())

		if consumeErr != nil {
			w.log.WithError(consumeErr).Error("consumer failed for batch")
			metrics.EventsProcessed.WithLabelValues(w.cfg.Name, "failed").Add(float64(len(events)))
			continue
		}
		metrics.EventsProcessed.WithLabelValues(w.cfg.Name, "success").Add(float64(len(events)))

		newToken := cur.GetPostBatchResumeToken()
		if newToken == nil {
			continue
		}
		*token = newToken

		if err := w.store.SaveCheckpoint(ctx, w.cfg.CheckpointKey, newToken); err != nil {
			w.log.WithError(err).Warn("failed to save checkpoint")
			metrics.CheckpointSaves.WithLabelValues(w.cfg.Name, "failed").Inc()
			continue
		}
		metrics.CheckpointSaves.WithLabelValues(w.cfg.Name, "success").Inc()
		w.uncheckpointed.set(0)
		metrics.Lag.WithLabelValues(w.cfg.Name).Set(0)
	}
}

// next bridges Cursor's callback-based TryNext onto a blocking call, since
// the watch loop has no other work to interleave while waiting for a batch.
// TryNext (rather than Next) is used deliberately: it returns promptly with
// an empty, nil-error result when nothing is available yet, matching the
// poll-with-idle-wait shape the teacher pack's own stream processor uses,
// instead of blocking indefinitely server-side.
func (w *Watcher[T]) next(ctx context.Context, cur *changestream.Cursor[T]) ([]T, error) {
	done := make(chan struct{})
	var events []T
	var err error
	cur.TryNext(ctx, func(ev []T, e error) {
		events, err = ev, e
		close(done)
	})
	<-done
	return events, err
}

// recordResumes exports any cursor-level resume attempts that happened
// during the most recent next() call. cur tracks its own resume counts
// internally (it has no dependency on this package's metrics); recordResumes
// just diffs against the last-seen values and reports the delta.
func (w *Watcher[T]) recordResumes(cur *changestream.Cursor[T], prevSucceeded, prevFailed *int64) {
	succeeded, failed := cur.ResumeCounts()
	if d := succeeded - *prevSucceeded; d > 0 {
		metrics.Resumes.WithLabelValues(w.cfg.Name, "succeeded").Add(float64(d))
	}
	if d := failed - *prevFailed; d > 0 {
		metrics.Resumes.WithLabelValues(w.cfg.Name, "failed").Add(float64(d))
	}
	*prevSucceeded, *prevFailed = succeeded, failed
}

func (w *Watcher[T]) clearCheckpoint(ctx context.Context) error {
	type deleter interface {
		Delete(ctx context.Context, key string) error
	}
	if d, ok := w.store.(deleter); ok {
		return d.Delete(ctx, w.cfg.CheckpointKey)
	}
	return w.store.SaveCheckpoint(ctx, w.cfg.CheckpointKey, nil)
}

func (w *Watcher[T]) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

// isStaleResumeTokenError recognizes the server rejecting a resume token
// outright (ChangeStreamHistoryLost and friends), matching the classifier's
// deliberate choice not to treat these as locally resumable.
func isStaleResumeTokenError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"changestreamhistorylost", "resume token", "oplog", "invalidate"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// atomic32 is a tiny mutex-guarded counter; the lag gauge only needs to be
// approximately right, but sync/atomic's lack of a plain "set" for
// non-int64-aligned fields makes a mutex simpler here.
type atomic32 struct {
	mu  sync.Mutex
	val int64
}

func (a *atomic32) add(d int64) {
	a.mu.Lock()
	a.val += d
	a.mu.Unlock()
}

func (a *atomic32) set(v int64) {
	a.mu.Lock()
	a.val = v
	a.mu.Unlock()
}

func (a *atomic32) get() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

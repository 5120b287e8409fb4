// Package checkpoint provides pluggable resume-token persistence for
// internal/watch.Watcher, so a process restart can resume a stream without
// the caller re-deriving a starting position.
package checkpoint

import (
	"context"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// Store gets and saves the resume token associated with a stream key.
// GetCheckpoint returns a nil token and a nil error when no checkpoint has
// been saved yet.
type Store interface {
	GetCheckpoint(ctx context.Context, key string) (changestream.ResumeToken, error)
	SaveCheckpoint(ctx context.Context, key string, token changestream.ResumeToken) error
}

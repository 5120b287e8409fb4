package mongoresume

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// Binding adapts *mongo.Client onto changestream.Binding. The public driver
// does not expose a connection-pool checkout, so WithReadConnection
// observes the server's wire version via a lightweight "hello" admin
// command rather than a real connection acquisition — the wire protocol and
// connection pool are explicit external collaborators per the core's scope
// (spec.md §1) and this adapter only needs to observe the wire version they
// report, not reimplement them.
type Binding struct {
	client *mongo.Client

	retainCount int32
}

// NewBinding wraps client. The returned Binding does not own client's
// lifetime: Release never disconnects it, since the *mongo.Client is
// typically shared across many streams.
func NewBinding(client *mongo.Client) *Binding {
	return &Binding{client: client}
}

func (b *Binding) Retain() {
	atomic.AddInt32(&b.retainCount, 1)
}

func (b *Binding) Release() {
	atomic.AddInt32(&b.retainCount, -1)
}

func (b *Binding) WithReadConnection(ctx context.Context, cb func(src changestream.ConnectionSource, err error)) {
	var reply struct {
		MaxWireVersion int32 `bson:"maxWireVersion"`
	}
	err := b.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply)
	if err != nil {
		cb(nil, fmt.Errorf("failed to observe server wire version: %w", err))
		return
	}
	cb(&connectionSource{wireVersion: reply.MaxWireVersion}, nil)
}

type connectionSource struct {
	wireVersion int32
	released    int32
}

func (s *connectionSource) MaxWireVersion() int32 { return s.wireVersion }

func (s *connectionSource) Release() {
	atomic.AddInt32(&s.released, 1)
}

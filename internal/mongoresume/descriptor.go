package mongoresume

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// Descriptor is a changestream.OperationDescriptor backed by a real
// collection's aggregate-with-$changeStream command. It deliberately uses
// Collection.Aggregate (which returns a raw, non-resuming *mongo.Cursor)
// rather than Collection.Watch, so the resume behavior under test is this
// module's own, not the driver's built-in one.
type Descriptor struct {
	coll          *mongo.Collection
	userPipeline  mongo.Pipeline
	fullDocument  string
	batchSize     int32
	startAfter    changestream.ResumeToken
	resumeAfter   changestream.ResumeToken
	startAtOpTime *changestream.OperationTime

	// mutable resume parameters; only changestream.Cursor calls
	// SetResumeParameters.
	cachedToken    changestream.ResumeToken
	maxWireVersion int32
	everExecuted   bool
}

// NewDescriptor describes a change stream over coll with the given
// user-supplied aggregation pipeline stages (not including $changeStream
// itself) and start options. At most one of startAfter/resumeAfter/
// startAtOpTime should be non-nil, reflecting the caller's original
// start intent; once the descriptor has executed at least once and
// SetResumeParameters has cached a resume token, resumeAfter with that
// token replaces all three.
func NewDescriptor(coll *mongo.Collection, userPipeline mongo.Pipeline, fullDocument string, batchSize int32, startAfter, resumeAfter changestream.ResumeToken, startAtOpTime *changestream.OperationTime) *Descriptor {
	return &Descriptor{
		coll:          coll,
		userPipeline:  userPipeline,
		fullDocument:  fullDocument,
		batchSize:     batchSize,
		startAfter:    startAfter,
		resumeAfter:   resumeAfter,
		startAtOpTime: startAtOpTime,
	}
}

func (d *Descriptor) SetResumeParameters(token changestream.ResumeToken, maxWireVersion int32) {
	d.cachedToken = token
	d.maxWireVersion = maxWireVersion
}

func (d *Descriptor) StartAtOperationTime() *changestream.OperationTime {
	return d.startAtOpTime
}

func (d *Descriptor) Decode(raw changestream.RawEvent, out interface{}) error {
	return bson.Unmarshal(raw, out)
}

// changeStreamOptionsDoc computes the $changeStream stage body per spec
// §4.2: on the first execution, the user's original start option (if any)
// is honored verbatim and never silently downgraded to resumeAfter. Once a
// resume has cached a token, resumeAfter takes over for every subsequent
// execution, matching I1 (the token only moves forward).
func (d *Descriptor) changeStreamOptionsDoc() bson.D {
	doc := bson.D{}
	if d.fullDocument != "" {
		doc = append(doc, bson.E{Key: "fullDocument", Value: d.fullDocument})
	}

	switch {
	case d.everExecuted && d.cachedToken != nil:
		doc = append(doc, bson.E{Key: "resumeAfter", Value: d.cachedToken})
	case !d.everExecuted && d.startAfter != nil:
		doc = append(doc, bson.E{Key: "startAfter", Value: d.startAfter})
	case !d.everExecuted && d.resumeAfter != nil:
		doc = append(doc, bson.E{Key: "resumeAfter", Value: d.resumeAfter})
	case !d.everExecuted && d.startAtOpTime != nil:
		doc = append(doc, bson.E{Key: "startAtOperationTime", Value: primitive.Timestamp(*d.startAtOpTime)})
	}

	return doc
}

func (d *Descriptor) Execute(ctx context.Context, binding changestream.Binding, cb func(cur changestream.UnderlyingCursor, err error)) {
	pipeline := append(mongo.Pipeline{{{Key: "$changeStream", Value: d.changeStreamOptionsDoc()}}}, d.userPipeline...)

	aggOpts := options.Aggregate()
	if d.batchSize > 0 {
		aggOpts.SetBatchSize(d.batchSize)
	}

	raw, err := d.coll.Aggregate(ctx, pipeline, aggOpts)
	if err != nil {
		cb(nil, classifyDriverError(err))
		return
	}
	d.everExecuted = true

	binding.WithReadConnection(ctx, func(src changestream.ConnectionSource, srcErr error) {
		wireVersion := d.maxWireVersion
		if srcErr == nil {
			wireVersion = src.MaxWireVersion()
			src.Release()
		}
		cb(NewCursor(raw, wireVersion, raw.RemainingBatchLength() == 0), nil)
	})
}

// String identifies the target collection for logging.
func (d *Descriptor) String() string {
	return fmt.Sprintf("changestream over %s.%s", d.coll.Database().Name(), d.coll.Name())
}

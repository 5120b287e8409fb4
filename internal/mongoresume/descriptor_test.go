package mongoresume

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

func TestChangeStreamOptionsDocPrefersStartAfterOnFirstExecution(t *testing.T) {
	startAfter := changestream.ResumeToken(`{"ts":1}`)
	d := &Descriptor{startAfter: startAfter, resumeAfter: changestream.ResumeToken(`{"ts":2}`)}

	doc := d.changeStreamOptionsDoc()
	require.Equal(t, bson.D{{Key: "startAfter", Value: startAfter}}, doc)
}

func TestChangeStreamOptionsDocUsesResumeAfterWhenNoStartAfter(t *testing.T) {
	resumeAfter := changestream.ResumeToken(`{"ts":2}`)
	d := &Descriptor{resumeAfter: resumeAfter}

	doc := d.changeStreamOptionsDoc()
	require.Equal(t, bson.D{{Key: "resumeAfter", Value: resumeAfter}}, doc)
}

func TestChangeStreamOptionsDocUsesStartAtOperationTimeAsLastResort(t *testing.T) {
	ts := changestream.OperationTime(primitive.Timestamp{T: 100, I: 1})
	d := &Descriptor{startAtOpTime: &ts}

	doc := d.changeStreamOptionsDoc()
	require.Equal(t, bson.D{{Key: "startAtOperationTime", Value: primitive.Timestamp{T: 100, I: 1}}}, doc)
}

func TestChangeStreamOptionsDocNeverDowngradesStartAfterToResumeAfterBeforeFirstExecution(t *testing.T) {
	startAfter := changestream.ResumeToken(`{"ts":1}`)
	d := &Descriptor{startAfter: startAfter}

	// Simulate SetResumeParameters being called without an execution ever
	// happening (should not occur in practice, but the precedence logic
	// must still key off everExecuted, not off cachedToken being set).
	d.SetResumeParameters(changestream.ResumeToken(`{"ts":99}`), 14)

	doc := d.changeStreamOptionsDoc()
	require.Equal(t, bson.D{{Key: "startAfter", Value: startAfter}}, doc)
}

func TestChangeStreamOptionsDocUsesResumeAfterOnceExecuted(t *testing.T) {
	d := &Descriptor{startAfter: changestream.ResumeToken(`{"ts":1}`)}
	d.everExecuted = true
	d.cachedToken = changestream.ResumeToken(`{"ts":5}`)

	doc := d.changeStreamOptionsDoc()
	require.Equal(t, bson.D{{Key: "resumeAfter", Value: d.cachedToken}}, doc)
}

func TestChangeStreamOptionsDocIncludesFullDocument(t *testing.T) {
	d := &Descriptor{fullDocument: "updateLookup"}
	doc := d.changeStreamOptionsDoc()
	require.Equal(t, bson.D{{Key: "fullDocument", Value: "updateLookup"}}, doc)
}

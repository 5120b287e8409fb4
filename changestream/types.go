package changestream

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RawEvent is an undecoded change notification, preserved byte-exact until
// the caller consumes it. It is rejected as malformed (ErrMissingResumeToken)
// if it has no _id field, since _id doubles as the resume token for that
// event.
type RawEvent = bson.Raw

// ResumeToken is an opaque document used by the server to locate a position
// in the oplog. A nil ResumeToken means the stream has no cached position
// yet. Once advanced, a resume token is never rolled back (I1).
type ResumeToken = bson.Raw

// OperationTime is an optional logical clock pin a caller can use to start
// (or resume) a change stream at an exact server time instead of a resume
// token.
type OperationTime = primitive.Timestamp

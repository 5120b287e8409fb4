package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// MongoStore stores checkpoints in a MongoDB collection, one document per
// stream key.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore uses collection "stream_checkpoints" in db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("stream_checkpoints")}
}

func (s *MongoStore) GetCheckpoint(ctx context.Context, key string) (changestream.ResumeToken, error) {
	var doc struct {
		ResumeToken changestream.ResumeToken `bson:"resumeToken"`
	}

	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if len(doc.ResumeToken) == 0 {
		return nil, nil
	}
	return doc.ResumeToken, nil
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, key string, token changestream.ResumeToken) error {
	filter := bson.M{"_id": key}
	update := bson.M{"$set": bson.M{
		"resumeToken": token,
		"updatedAt":   time.Now(),
	}}

	_, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Delete removes a single checkpoint document, used when recovering from a
// stale resume token the server has rejected outright.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

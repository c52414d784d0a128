// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"studymesh/platform/shared/types"
)

const (
	defaultMemoryDatabase   = "studymesh"
	defaultMemoryCollection = "conversation_memory"
)

// MongoMemoryStore implements MemoryStore on MongoDB. Memory items are
// document-shaped and retrieved with a text index over content.
type MongoMemoryStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// memoryDoc is the stored document shape.
type memoryDoc struct {
	UserID         string    `bson:"user_id"`
	ConversationID string    `bson:"conversation_id"`
	Content        string    `bson:"content"`
	RecordedAt     time.Time `bson:"recorded_at"`
	Score          float64   `bson:"score,omitempty"`
}

// NewMongoMemoryStore connects to MongoDB and ensures the text index.
func NewMongoMemoryStore(ctx context.Context, uri, database string) (*MongoMemoryStore, error) {
	if database == "" {
		database = defaultMemoryDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to memory store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping memory store: %w", ErrStoreUnavailable)
	}

	coll := client.Database(database).Collection(defaultMemoryCollection)

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "content", Value: "text"}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "recorded_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure memory indexes: %w", err)
	}

	return &MongoMemoryStore{client: client, coll: coll}, nil
}

// NewMongoMemoryStoreWithCollection wraps an existing collection. Test hook.
func NewMongoMemoryStoreWithCollection(coll *mongo.Collection) *MongoMemoryStore {
	return &MongoMemoryStore{coll: coll}
}

// Close disconnects from the backing cluster.
func (s *MongoMemoryStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// GetRelevantMemory returns up to limit items for the user ranked by
// text-search score. When the query matches nothing, the most recent
// items are returned instead so conversational continuity survives
// vague follow-ups.
func (s *MongoMemoryStore) GetRelevantMemory(ctx context.Context, userID, text string, limit int) ([]types.MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}

	filter := bson.M{
		"user_id": userID,
		"$text":   bson.M{"$search": text},
	}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.D{{Key: "score", Value: bson.M{"$meta": "textScore"}}}).
		SetLimit(int64(limit))

	items, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}

	// Recency fallback.
	opts = options.Find().
		SetSort(bson.D{{Key: "recorded_at", Value: -1}}).
		SetLimit(int64(limit))
	return s.find(ctx, bson.M{"user_id": userID}, opts)
}

// AppendMemory records one memory item.
func (s *MongoMemoryStore) AppendMemory(ctx context.Context, userID, conversationID, content string) error {
	_, err := s.coll.InsertOne(ctx, memoryDoc{
		UserID:         userID,
		ConversationID: conversationID,
		Content:        content,
		RecordedAt:     time.Now().UTC(),
	})
	if err != nil {
		return wrapMongoErr("failed to append memory", err)
	}
	return nil
}

func (s *MongoMemoryStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]types.MemoryItem, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapMongoErr("failed to query memory", err)
	}
	defer cur.Close(ctx)

	var items []types.MemoryItem
	for cur.Next(ctx) {
		var doc memoryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode memory document: %w", err)
		}
		items = append(items, types.MemoryItem{
			Content:        doc.Content,
			RelevanceScore: normalizeScore(doc.Score),
			SourceID:       doc.ConversationID,
			RecordedAt:     doc.RecordedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, wrapMongoErr("failed to iterate memory cursor", err)
	}
	return items, nil
}

// normalizeScore maps Mongo's unbounded textScore into [0,1).
func normalizeScore(score float64) float64 {
	if score <= 0 {
		return 0.5 // recency-fallback items get a neutral score
	}
	return score / (score + 1)
}

func wrapMongoErr(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) ||
		mongo.IsNetworkError(err) {
		return fmt.Errorf("%s: %w", msg, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

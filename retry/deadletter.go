// Package retry implements the consumer's two failure-handling paths:
// a delayed republish for a message that still has attempts left, and
// a durable dead-letter record for one that has exhausted them.
//
// Redis Streams has no native "nack without requeue" — the only way
// to remove a pending entry from a consumer group is to acknowledge
// it. Dead-lettering is therefore a write to the dead_letters store
// followed by an XACK, and a delayed retry is an XACK followed, after
// the retry delay, by a fresh XADD carrying an incremented
// x-retry-count header.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Record is a terminally-failed message, preserved for inspection: the
// delivery that failed with an x-retry-count already at the handler's
// maxAttempts, or a malformed one dead-lettered at once.
type Record struct {
	ID         string    `bson:"_id"`
	Envelope   []byte    `bson:"envelope"`
	LastError  string    `bson:"lastError"`
	RetryCount int       `bson:"retryCount"`
	DeadAt     time.Time `bson:"deadAt"`
}

// Store is the dead_letters collection.
type Store struct {
	collection *mongo.Collection
}

// New wraps db's "dead_letters" collection.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("dead_letters")}
}

// Indexes returns the indexes this store requires.
func (s *Store) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "deadAt", Value: -1}}},
	}
}

// EnsureIndexes creates this store's indexes if they do not exist.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Record persists envelope as terminally failed after retryCount
// delivery attempts, keeping lastErr for diagnosis.
func (s *Store) Record(ctx context.Context, envelope []byte, lastErr error, retryCount int) (*Record, error) {
	rec := &Record{
		ID:         uuid.New().String(),
		Envelope:   envelope,
		RetryCount: retryCount,
		DeadAt:     time.Now().UTC(),
	}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		return nil, fmt.Errorf("record dead letter: %w", err)
	}
	return rec, nil
}

// List returns the most recent dead letters, newest first, up to limit.
func (s *Store) List(ctx context.Context, limit int64) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "deadAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer cur.Close(ctx)

	var out []Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode dead letters: %w", err)
	}
	return out, nil
}

// Get retrieves a single dead letter by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &rec, nil
}

// Delete removes a dead letter, typically after a successful replay.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// Count returns the total number of dead letters currently stored.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

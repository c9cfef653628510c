// Package plannedmsg provides Mongo-backed storage for PlannedMessage
// documents, including the atomic status transitions (isQueued,
// isSent) that make the dispatcher and consumer safe under
// at-least-once delivery.
package plannedmsg

import (
	"context"
	"time"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store owns the planned_messages collection.
type Store struct {
	collection *mongo.Collection
}

// New builds a Store over the given database's "planned_messages" collection.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("planned_messages")}
}

// Indexes returns the indexes required by spec §3: dispatcher
// selection, status roll-ups, and per-user history.
func (s *Store) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "sendDate", Value: 1}, {Key: "isQueued", Value: 1}}},
		{Keys: bson.D{{Key: "isQueued", Value: 1}, {Key: "isSent", Value: 1}}},
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "createdAt", Value: -1}}},
	}
}

// EnsureIndexes creates the required indexes, idempotently.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// InsertMany bulk-inserts planned messages generated by the planner,
// assigning ids and timestamps for any message that lacks one, and
// returns the number of documents actually persisted.
func (s *Store) InsertMany(ctx context.Context, messages []model.PlannedMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	docs := make([]any, len(messages))
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = uuid.NewString()
		}
		messages[i].CreatedAt, messages[i].UpdatedAt = now, now
		docs[i] = messages[i]
	}

	result, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if result != nil {
			return len(result.InsertedIDs), apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeAutoMessageSaveFail, "partial bulk insert", err)
		}
		return 0, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeAutoMessageSaveFail, "bulk insert", err)
	}
	return len(result.InsertedIDs), nil
}

// Due returns planned messages with sendDate <= now that have not yet
// been queued or sent, in ascending sendDate order — the set the
// dispatcher scans each tick.
func (s *Store) Due(ctx context.Context, now time.Time) ([]model.PlannedMessage, error) {
	filter := bson.M{
		"sendDate": bson.M{"$lte": now},
		"isQueued": false,
		"isSent":   false,
	}
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sendDate", Value: 1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "query due messages", err)
	}
	defer cursor.Close(ctx)

	var out []model.PlannedMessage
	if err := cursor.All(ctx, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "decode due messages", err)
	}
	return out, nil
}

// MarkQueued sets isQueued=true for exactly the given ids in one
// UpdateMany; the dispatcher passes only the ids it actually published.
func (s *Store) MarkQueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"isQueued": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "mark queued", err)
	}
	return nil
}

// FindByID returns the planned message with the given id, or nil with
// no error if it does not exist (the consumer treats a missing planned
// message during mark-sent as a warn-and-continue condition, not a
// failure).
func (s *Store) FindByID(ctx context.Context, id string) (*model.PlannedMessage, error) {
	var pm model.PlannedMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&pm)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "find planned message", err)
	}
	return &pm, nil
}

// MarkSent atomically transitions a planned message to isSent=true,
// but only if it is not already sent. It returns (true, nil) if this
// call performed the transition, and (false, nil) if the message was
// already sent (the duplicate-delivery short-circuit) or does not
// exist.
func (s *Store) MarkSent(ctx context.Context, id string) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "isSent": false},
		bson.M{"$set": bson.M{"isSent": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "mark sent", err)
	}
	return result.ModifiedCount == 1, nil
}

// IsSent reports whether the planned message with the given id is
// already marked sent. Used by the consumer's pre-persist idempotency
// check, ahead of the atomic MarkSent that follows a successful write.
func (s *Store) IsSent(ctx context.Context, id string) (bool, error) {
	var pm model.PlannedMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"isSent": 1})).Decode(&pm)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "check is-sent", err)
	}
	return pm.IsSent, nil
}

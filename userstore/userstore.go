// Package userstore provides Mongo-backed access to the users
// collection: the account records the planner pairs and the consumer
// validates against.
package userstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store owns the users collection.
type Store struct {
	collection *mongo.Collection
}

// New builds a Store over the given database's "users" collection.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("users")}
}

// Indexes returns the indexes this store requires: unique username and
// email, plus an isActive index for the planner's candidate query.
func (s *Store) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "isActive", Value: 1}}},
	}
}

// EnsureIndexes creates the required indexes, idempotently.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// ActiveUsers returns every user with isActive=true, the candidate pool
// the planner shuffles and pairs.
func (s *Store) ActiveUsers(ctx context.Context) ([]model.User, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"isActive": true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "query active users", err)
	}
	defer cursor.Close(ctx)

	var users []model.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "decode active users", err)
	}
	return users, nil
}

// FindByIDs returns every user whose id is in ids. Missing ids are
// silently omitted from the result rather than erroring, since callers
// use this for best-effort display-field joins (chatstore's paginated
// sender lookup), not for validation.
func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "query users by id", err)
	}
	defer cursor.Close(ctx)

	var users []model.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "decode users by id", err)
	}
	return users, nil
}

// FindByID returns the user with the given id, or a NotFound error.
func (s *Store) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.New(apperrors.KindNotFound, apperrors.CodeSenderNotFound, fmt.Sprintf("user %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "find user", err)
	}
	return &u, nil
}

// Create inserts a new user, generating an id if none is set.
func (s *Store) Create(ctx context.Context, u model.User) (*model.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.collection.InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return nil, apperrors.Wrap(apperrors.KindConflict, apperrors.CodeConflict, "username or email already in use", err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "insert user", err)
	}
	return &u, nil
}

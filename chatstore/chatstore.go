// Package chatstore provides Mongo-backed storage for conversations
// and chat messages: two-party threads with a last-message summary,
// and the paginated messages within them.
package chatstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserLookup resolves the display identity joined onto paginated
// messages. Satisfied by *userstore.Store.
type UserLookup interface {
	FindByIDs(ctx context.Context, ids []string) ([]model.User, error)
}

// Store owns the conversations and messages collections.
type Store struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	users         UserLookup
}

// New builds a Store over the given database's "conversations" and
// "messages" collections, joining sender identity through users on read.
func New(db *mongo.Database, users UserLookup) *Store {
	return &Store{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		users:         users,
	}
}

// Indexes returns the indexes required by spec §3/§4.7: a unique
// participants key (resolving the conversation-creation race) plus the
// two message-pagination indexes.
func (s *Store) Indexes() (conversations, messages []mongo.IndexModel) {
	conversations = []mongo.IndexModel{
		{Keys: bson.D{{Key: "participantsKey", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	messages = []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "isRead", Value: 1}}},
	}
	return
}

// EnsureIndexes creates the required indexes, idempotently.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	convIdx, msgIdx := s.Indexes()
	if _, err := s.conversations.Indexes().CreateMany(ctx, convIdx); err != nil {
		return err
	}
	_, err := s.messages.Indexes().CreateMany(ctx, msgIdx)
	return err
}

// participantsKey canonicalizes a participant pair into an
// order-independent lookup key.
func participantsKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// FindBetweenUsers returns the conversation whose participant set is
// exactly {a,b}, regardless of order, or nil if none exists.
func (s *Store) FindBetweenUsers(ctx context.Context, a, b string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"participantsKey": participantsKey(a, b)}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "find conversation", err)
	}
	return &c, nil
}

// Create inserts a new conversation for participants [a,b]. If a
// concurrent creation for the same pair wins the unique-index race,
// Create re-resolves via FindBetweenUsers instead of surfacing the
// duplicate-key conflict to the caller.
func (s *Store) Create(ctx context.Context, a, b string) (*model.Conversation, error) {
	if a == b {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.CodeSelfMessage, "conversation participants must differ")
	}

	now := time.Now().UTC()
	c := model.Conversation{
		ID:              uuid.NewString(),
		Participants:    []string{a, b},
		ParticipantsKey: participantsKey(a, b),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.conversations.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		existing, findErr := s.FindBetweenUsers(ctx, a, b)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "resolve conversation race", err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "create conversation", err)
	}
	return &c, nil
}

// FindOrCreateBetweenUsers resolves the conversation for a pair,
// creating it on demand — the operation the consumer calls per envelope.
func (s *Store) FindOrCreateBetweenUsers(ctx context.Context, a, b string) (*model.Conversation, error) {
	c, err := s.FindBetweenUsers(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	return s.Create(ctx, a, b)
}

// UpdateLastMessage sets a conversation's lastMessage summary and bumps
// updatedAt.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID, content, senderID string) error {
	now := time.Now().UTC()
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"lastMessage": model.LastMessage{Content: content, SenderID: senderID, Timestamp: now},
			"updatedAt":   now,
		}},
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "update last message", err)
	}
	return nil
}

// InsertMessage persists a chat message, trimming content and
// defaulting isRead to false.
func (s *Store) InsertMessage(ctx context.Context, m model.ChatMessage) (*model.ChatMessage, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	m.IsRead = false

	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "insert message", err)
	}
	return &m, nil
}

// FindByConversationID returns a page of messages for a conversation,
// newest first, alongside the total count, per spec §4.7's pagination
// contract.
func (s *Store) FindByConversationID(ctx context.Context, conversationID string, page, limit int) ([]model.ChatMessage, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	filter := bson.M{"conversationId": conversationID}

	total, err := s.messages.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "count messages", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "find messages", err)
	}
	defer cursor.Close(ctx)

	var out []model.ChatMessage
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeQueueProcessingError, "decode messages", err)
	}

	if err := s.populateSenders(ctx, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// populateSenders joins username/email onto each message from the
// distinct sender ids in the page, in one users lookup rather than one
// per message.
func (s *Store) populateSenders(ctx context.Context, messages []model.ChatMessage) error {
	if len(messages) == 0 || s.users == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(messages))
	var senderIDs []string
	for _, m := range messages {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		senderIDs = append(senderIDs, m.SenderID)
	}

	senders, err := s.users.FindByIDs(ctx, senderIDs)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientInfra, apperrors.CodeUserRetrievalFailed, "join sender identity", err)
	}
	byID := make(map[string]model.User, len(senders))
	for _, u := range senders {
		byID[u.ID] = u
	}

	for i := range messages {
		if u, ok := byID[messages[i].SenderID]; ok {
			messages[i].SenderUsername = u.Username
			messages[i].SenderEmail = u.Email
		}
	}
	return nil
}

// Package model defines the persisted and wire-format entities of the
// automatic-message pipeline: planned messages, conversations, chat
// messages, users, and the broker envelope and realtime notification
// shapes that carry them between components.
package model

import "time"

// PlannedMessage is a scheduled auto-message produced by the planner.
//
// Its lifecycle is monotonic: a message starts with IsQueued=false and
// IsSent=false, moves to IsQueued=true once the dispatcher has
// published it, and finally to IsSent=true once the consumer has
// materialized it into a conversation. IsSent implies IsQueued.
type PlannedMessage struct {
	ID         string    `bson:"_id,omitempty" json:"id"`
	SenderID   string    `bson:"senderId" json:"senderId"`
	ReceiverID string    `bson:"receiverId" json:"receiverId"`
	Content    string    `bson:"content" json:"content"`
	SendDate   time.Time `bson:"sendDate" json:"sendDate"`
	IsQueued   bool      `bson:"isQueued" json:"isQueued"`
	IsSent     bool      `bson:"isSent" json:"isSent"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// LastMessage summarizes the most recent chat message in a Conversation.
type LastMessage struct {
	Content   string    `bson:"content" json:"content"`
	SenderID  string    `bson:"senderId" json:"senderId"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Conversation is a two-party thread between exactly two distinct users.
//
// ParticipantsKey is a canonicalized (sorted, joined) form of
// Participants, backed by a unique index, so that concurrent attempts
// to create a conversation for the same pair converge on one document.
type Conversation struct {
	ID              string       `bson:"_id,omitempty" json:"id"`
	Participants    []string     `bson:"participants" json:"participants"`
	ParticipantsKey string       `bson:"participantsKey" json:"-"`
	LastMessage     *LastMessage `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	CreatedAt       time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time    `bson:"updatedAt" json:"updatedAt"`
}

// ChatMessage is a persisted message within a Conversation.
type ChatMessage struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	ConversationID string    `bson:"conversationId" json:"conversationId"`
	SenderID       string    `bson:"senderId" json:"senderId"`
	Content        string    `bson:"content" json:"content"`
	IsRead         bool      `bson:"isRead" json:"isRead"`
	CreatedAt      time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt" json:"updatedAt"`

	// SenderUsername and SenderEmail are populated on read paths that
	// join sender identity for display (pagination, notifications) and
	// are never persisted on the message document itself.
	SenderUsername string `bson:"-" json:"senderUsername,omitempty"`
	SenderEmail    string `bson:"-" json:"senderEmail,omitempty"`
}

// User is an account eligible for pairing by the planner.
type User struct {
	ID           string    `bson:"_id,omitempty" json:"id"`
	Username     string    `bson:"username" json:"username"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	IsActive     bool      `bson:"isActive" json:"isActive"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}

// EnvelopeType tags the version of the wire envelope, per the
// versioned-payload redesign: an explicit tag rather than an untyped blob.
type EnvelopeType string

// EnvelopeV1 is the only envelope version this pipeline currently emits
// or accepts. An envelope with an empty Type is treated as EnvelopeV1
// for compatibility with producers that predate the tag.
const EnvelopeV1 EnvelopeType = "auto_message.v1"

// Envelope is the payload published to the durable queue by the
// dispatcher and consumed by the consumer.
type Envelope struct {
	Type             EnvelopeType `json:"type,omitempty"`
	AutoMessageID    string       `json:"autoMessageId"`
	SenderID         string       `json:"senderId"`
	ReceiverID       string       `json:"receiverId"`
	Content          string       `json:"content"`
	OriginalSendDate time.Time    `json:"originalSendDate"`
	QueuedAt         time.Time    `json:"queuedAt"`
}

// SenderInfo is the sender identity embedded in a realtime notification.
type SenderInfo struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Notification is the payload fanned out to a receiver's live
// connections when an auto-message is delivered while they are online.
type Notification struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderInfo     SenderInfo `json:"senderInfo"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	IsAutoMessage  bool       `json:"isAutoMessage"`
}

// NotificationEvent is the event name used for a Notification on the
// realtime bus.
const NotificationEvent = "message_received"

// PresenceInfo is the per-user metadata kept in the presence index
// while a user has at least one live connection.
type PresenceInfo struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

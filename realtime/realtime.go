// Package realtime implements the Realtime Bus contract: a per-user
// fan-out from server-side events (an auto-message delivered while the
// receiver is online) to that user's live connections, following the
// hub/client registration pattern of a websocket-backed chat's
// connection manager.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lacechat/automessage/presence"
)

// Client is one live connection a user has open. Send delivers a
// pre-encoded frame to that connection without blocking the bus; a
// full or closed connection should return an error so the bus can
// drop it.
type Client interface {
	Send(frame []byte) error
}

// Message is the envelope every frame is wrapped in on the wire: an
// event name plus its payload, so a single connection can multiplex
// several event types.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Bus is the per-user Realtime Bus. A user may have more than one live
// connection (multiple tabs, multiple devices); the bus fans a message
// out to every connection currently registered for that user, and it
// is the caller's responsibility to only mark a user offline in the
// Presence Index once its last connection has dropped.
type Bus struct {
	mu       sync.RWMutex
	clients  map[string]map[Client]struct{}
	presence *presence.Index
	logger   *slog.Logger
}

// New builds a Bus. presenceIndex may be nil if presence tracking is
// handled independently of connection lifecycle.
func New(presenceIndex *presence.Index) *Bus {
	return &Bus{
		clients:  make(map[string]map[Client]struct{}),
		presence: presenceIndex,
		logger:   slog.Default().With("component", "realtime.bus"),
	}
}

// Register adds a live connection for userID, marking the user online
// in the Presence Index on the first connection.
func (b *Bus) Register(ctx context.Context, userID, username string, c Client) error {
	b.mu.Lock()
	set, ok := b.clients[userID]
	if !ok {
		set = make(map[Client]struct{})
		b.clients[userID] = set
	}
	firstConnection := len(set) == 0
	set[c] = struct{}{}
	b.mu.Unlock()

	if firstConnection && b.presence != nil {
		if err := b.presence.SetUserOnline(ctx, userID, username); err != nil {
			return fmt.Errorf("mark user online: %w", err)
		}
	}
	return nil
}

// Unregister removes a live connection for userID, marking the user
// offline in the Presence Index once its last connection is gone.
func (b *Bus) Unregister(ctx context.Context, userID string, c Client) error {
	b.mu.Lock()
	set, ok := b.clients[userID]
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.clients, userID)
		}
	}
	lastConnection := ok && len(set) == 0
	b.mu.Unlock()

	if lastConnection && b.presence != nil {
		if err := b.presence.SetUserOffline(ctx, userID); err != nil {
			return fmt.Errorf("mark user offline: %w", err)
		}
	}
	return nil
}

// SendToUser publishes an event to every live connection registered
// for userID on the per-user channel "user:{userID}". A user with no
// live connections is not an error: the caller (typically the
// consumer, after checking presence) is expected to skip the call
// entirely in that case.
func (b *Bus) SendToUser(ctx context.Context, userID string, event string, payload any) error {
	frame, err := json.Marshal(Message{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode realtime message: %w", err)
	}

	b.mu.RLock()
	clients := make([]Client, 0, len(b.clients[userID]))
	for c := range b.clients[userID] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(frame); err != nil {
			b.logger.Warn("send to client failed, dropping connection", "user_id", userID, "error", err)
			b.drop(userID, c)
		}
	}
	return nil
}

// ConnectionCount returns how many live connections userID currently has.
func (b *Bus) ConnectionCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[userID])
}

func (b *Bus) drop(userID string, c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.clients[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.clients, userID)
		}
	}
}

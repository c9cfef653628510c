// Package presence implements the Presence Index: a Redis-backed
// online-user set plus per-user metadata with a TTL, following the
// SET/EXPIRE idiom used elsewhere in this codebase's Redis-backed
// stores.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lacechat/automessage/model"
	"github.com/redis/go-redis/v9"
)

const onlineUsersKey = "ONLINE_USERS"

// Index is the Presence Index over a Redis client.
//
// The Realtime transport calls SetUserOnline on connect and
// SetUserOffline on disconnect; the consumer only reads. A user with
// multiple live connections must only be marked offline by its
// transport once the last connection drops — that reference counting
// is the transport's responsibility, not the Index's.
type Index struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Option configures an Index.
type Option func(*Index)

// WithTTL overrides the per-user info TTL (default 3600s).
func WithTTL(ttl time.Duration) Option {
	return func(idx *Index) {
		if ttl > 0 {
			idx.ttl = ttl
		}
	}
}

// WithKeyPrefix overrides the key prefix used for user_info keys
// (default "user_info:").
func WithKeyPrefix(prefix string) Option {
	return func(idx *Index) {
		if prefix != "" {
			idx.prefix = prefix
		}
	}
}

// New builds a presence Index over client.
func New(client *redis.Client, opts ...Option) *Index {
	idx := &Index{client: client, ttl: time.Hour, prefix: "user_info:"}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func (idx *Index) infoKey(userID string) string {
	return idx.prefix + userID
}

// SetUserOnline adds userID to the online set and writes its info with
// the configured TTL.
func (idx *Index) SetUserOnline(ctx context.Context, userID, username string) error {
	info := model.PresenceInfo{UserID: userID, Username: username, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal presence info: %w", err)
	}

	pipe := idx.client.TxPipeline()
	pipe.SAdd(ctx, onlineUsersKey, userID)
	pipe.Set(ctx, idx.infoKey(userID), payload, idx.ttl)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("set user online: %w", err)
	}
	return nil
}

// SetUserOffline removes userID from the online set and deletes its info.
func (idx *Index) SetUserOffline(ctx context.Context, userID string) error {
	pipe := idx.client.TxPipeline()
	pipe.SRem(ctx, onlineUsersKey, userID)
	pipe.Del(ctx, idx.infoKey(userID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("set user offline: %w", err)
	}
	return nil
}

// IsUserOnline reports set membership for userID.
func (idx *Index) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := idx.client.SIsMember(ctx, onlineUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("check user online: %w", err)
	}
	return ok, nil
}

// GetOnlineUsers returns every user id currently in the online set.
func (idx *Index) GetOnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := idx.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	return ids, nil
}

// GetOnlineUserCount returns the size of the online set.
func (idx *Index) GetOnlineUserCount(ctx context.Context) (int64, error) {
	n, err := idx.client.SCard(ctx, onlineUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count online users: %w", err)
	}
	return n, nil
}

// GetUserInfo returns the presence info for userID, or nil if the key
// has expired or the user is not online.
func (idx *Index) GetUserInfo(ctx context.Context, userID string) (*model.PresenceInfo, error) {
	raw, err := idx.client.Get(ctx, idx.infoKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	var info model.PresenceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	return &info, nil
}

// GetOnlineUsersWithInfo fetches info for each online id, silently
// dropping ids whose info has already expired.
func (idx *Index) GetOnlineUsersWithInfo(ctx context.Context) ([]model.PresenceInfo, error) {
	ids, err := idx.GetOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.PresenceInfo, 0, len(ids))
	for _, id := range ids {
		info, err := idx.GetUserInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	return out, nil
}

// CleanupExpiredUsers drops set members whose user_info key has
// already expired — the one operation in this Index that reconciles
// two structures instead of mutating a single key atomically, since a
// TTL'd key can vanish without touching the set.
func (idx *Index) CleanupExpiredUsers(ctx context.Context) (int, error) {
	ids, err := idx.GetOnlineUsers(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		exists, err := idx.client.Exists(ctx, idx.infoKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("check expiry: %w", err)
		}
		if exists == 0 {
			if err := idx.client.SRem(ctx, onlineUsersKey, id).Err(); err != nil {
				return removed, fmt.Errorf("remove expired member: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// ClearAllOnlineUsers purges the online set and every user_info key it
// referenced. Intended for tests and operator resets.
func (idx *Index) ClearAllOnlineUsers(ctx context.Context) error {
	ids, err := idx.GetOnlineUsers(ctx)
	if err != nil {
		return err
	}
	pipe := idx.client.TxPipeline()
	pipe.Del(ctx, onlineUsersKey)
	for _, id := range ids {
		pipe.Del(ctx, idx.infoKey(id))
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("clear online users: %w", err)
	}
	return nil
}

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, WithTTL(time.Hour))
}

func TestSetUserOnlineAndOffline(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.SetUserOnline(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SetUserOnline: %v", err)
	}

	online, err := idx.IsUserOnline(ctx, "u1")
	if err != nil || !online {
		t.Fatalf("IsUserOnline = %v, %v; want true, nil", online, err)
	}

	info, err := idx.GetUserInfo(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserInfo: %v", err)
	}
	if info == nil || info.Username != "alice" {
		t.Fatalf("GetUserInfo = %+v, want username alice", info)
	}

	if err := idx.SetUserOffline(ctx, "u1"); err != nil {
		t.Fatalf("SetUserOffline: %v", err)
	}

	online, err = idx.IsUserOnline(ctx, "u1")
	if err != nil || online {
		t.Fatalf("after offline, IsUserOnline = %v, %v; want false, nil", online, err)
	}
	info, err = idx.GetUserInfo(ctx, "u1")
	if err != nil || info != nil {
		t.Fatalf("after offline, GetUserInfo = %+v, %v; want nil, nil", info, err)
	}
}

func TestGetOnlineUsersWithInfoSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.SetUserOnline(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SetUserOnline: %v", err)
	}
	// Simulate a set member whose info key already expired: add
	// directly without an info key.
	if err := idx.client.SAdd(ctx, onlineUsersKey, "ghost").Err(); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	infos, err := idx.GetOnlineUsersWithInfo(ctx)
	if err != nil {
		t.Fatalf("GetOnlineUsersWithInfo: %v", err)
	}
	if len(infos) != 1 || infos[0].UserID != "u1" {
		t.Fatalf("GetOnlineUsersWithInfo = %+v, want only u1", infos)
	}
}

func TestCleanupExpiredUsersRemovesGhostMembers(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.SetUserOnline(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SetUserOnline: %v", err)
	}
	if err := idx.client.SAdd(ctx, onlineUsersKey, "ghost").Err(); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	removed, err := idx.CleanupExpiredUsers(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredUsers: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	online, err := idx.IsUserOnline(ctx, "ghost")
	if err != nil || online {
		t.Fatalf("ghost still online after cleanup: %v, %v", online, err)
	}
	online, err = idx.IsUserOnline(ctx, "u1")
	if err != nil || !online {
		t.Fatalf("u1 should remain online: %v, %v", online, err)
	}
}

func TestClearAllOnlineUsers(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.SetUserOnline(ctx, "u1", "alice"); err != nil {
		t.Fatalf("SetUserOnline: %v", err)
	}
	if err := idx.ClearAllOnlineUsers(ctx); err != nil {
		t.Fatalf("ClearAllOnlineUsers: %v", err)
	}

	count, err := idx.GetOnlineUserCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("GetOnlineUserCount after clear = %d, %v; want 0, nil", count, err)
	}
}

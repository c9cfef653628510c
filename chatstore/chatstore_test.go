package chatstore

import (
	"context"
	"testing"

	"github.com/lacechat/automessage/model"
)

func TestParticipantsKeyIsOrderIndependent(t *testing.T) {
	if participantsKey("a", "b") != participantsKey("b", "a") {
		t.Errorf("participantsKey must be order-independent")
	}
	if participantsKey("a", "b") == participantsKey("a", "c") {
		t.Errorf("participantsKey must distinguish different pairs")
	}
}

type fakeUserLookup struct {
	calls int
	users map[string]model.User
}

func (f *fakeUserLookup) FindByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	f.calls++
	var out []model.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func TestPopulateSendersJoinsUsernameAndEmailFromDistinctIDs(t *testing.T) {
	users := &fakeUserLookup{users: map[string]model.User{
		"s1": {ID: "s1", Username: "alice", Email: "alice@example.com"},
		"s2": {ID: "s2", Username: "bob", Email: "bob@example.com"},
	}}
	s := &Store{users: users}

	messages := []model.ChatMessage{
		{ID: "m1", SenderID: "s1"},
		{ID: "m2", SenderID: "s2"},
		{ID: "m3", SenderID: "s1"},
	}
	if err := s.populateSenders(context.Background(), messages); err != nil {
		t.Fatalf("populateSenders: %v", err)
	}

	if users.calls != 1 {
		t.Errorf("expected one batched lookup, got %d calls", users.calls)
	}
	if messages[0].SenderUsername != "alice" || messages[0].SenderEmail != "alice@example.com" {
		t.Errorf("message 0 sender not populated: %+v", messages[0])
	}
	if messages[1].SenderUsername != "bob" {
		t.Errorf("message 1 sender not populated: %+v", messages[1])
	}
	if messages[2].SenderUsername != "alice" {
		t.Errorf("message 2 sender not populated: %+v", messages[2])
	}
}

func TestPopulateSendersUnknownSenderLeavesFieldsEmpty(t *testing.T) {
	users := &fakeUserLookup{users: map[string]model.User{}}
	s := &Store{users: users}

	messages := []model.ChatMessage{{ID: "m1", SenderID: "ghost"}}
	if err := s.populateSenders(context.Background(), messages); err != nil {
		t.Fatalf("populateSenders: %v", err)
	}
	if messages[0].SenderUsername != "" {
		t.Errorf("expected empty username for unknown sender, got %q", messages[0].SenderUsername)
	}
}

package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lacechat/automessage/model"
)

type fakeUsers struct {
	users []model.User
	err   error
}

func (f *fakeUsers) ActiveUsers(ctx context.Context) ([]model.User, error) {
	return f.users, f.err
}

type fakeSink struct {
	inserted []model.PlannedMessage
	err      error
}

func (f *fakeSink) InsertMany(ctx context.Context, messages []model.PlannedMessage) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.inserted = append(f.inserted, messages...)
	return len(messages), nil
}

func usersOf(ids ...string) []model.User {
	out := make([]model.User, len(ids))
	for i, id := range ids {
		out[i] = model.User{ID: id, IsActive: true}
	}
	return out
}

func TestPlanAutomaticMessagesFewerThanTwoUsersReturnsZero(t *testing.T) {
	sink := &fakeSink{}
	p := New(&fakeUsers{users: usersOf("u1")}, sink)

	n, err := p.PlanAutomaticMessages(context.Background())
	if err != nil {
		t.Fatalf("PlanAutomaticMessages: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
	if len(sink.inserted) != 0 {
		t.Errorf("expected no inserts, got %d", len(sink.inserted))
	}
}

func TestPlanAutomaticMessagesPairsEvenCount(t *testing.T) {
	sink := &fakeSink{}
	p := New(&fakeUsers{users: usersOf("u1", "u2", "u3", "u4")}, sink)

	n, err := p.PlanAutomaticMessages(context.Background())
	if err != nil {
		t.Fatalf("PlanAutomaticMessages: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if len(sink.inserted) != 2 {
		t.Fatalf("inserted = %d, want 2", len(sink.inserted))
	}
}

func TestPlanAutomaticMessagesOddCountSkipsLastUser(t *testing.T) {
	sink := &fakeSink{}
	p := New(&fakeUsers{users: usersOf("u1", "u2", "u3")}, sink)

	n, err := p.PlanAutomaticMessages(context.Background())
	if err != nil {
		t.Fatalf("PlanAutomaticMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}

func TestPlanAutomaticMessagesFieldsAreWellFormed(t *testing.T) {
	sink := &fakeSink{}
	p := New(&fakeUsers{users: usersOf("u1", "u2")}, sink)

	before := time.Now().UTC()
	if _, err := p.PlanAutomaticMessages(context.Background()); err != nil {
		t.Fatalf("PlanAutomaticMessages: %v", err)
	}
	after := time.Now().UTC()

	if len(sink.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(sink.inserted))
	}
	msg := sink.inserted[0]

	if msg.SenderID == msg.ReceiverID {
		t.Errorf("sender and receiver must differ")
	}
	if (msg.SenderID != "u1" && msg.SenderID != "u2") || (msg.ReceiverID != "u1" && msg.ReceiverID != "u2") {
		t.Errorf("unexpected sender/receiver ids: %+v", msg)
	}
	if msg.Content == "" {
		t.Errorf("expected non-empty content")
	}
	found := false
	for _, tmpl := range templates {
		if tmpl == msg.Content {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("content %q is not one of the fixed templates", msg.Content)
	}
	if msg.IsQueued || msg.IsSent {
		t.Errorf("expected a fresh planned message to be unqueued and unsent")
	}

	minSend := before.Add(time.Hour)
	maxSend := after.Add(24*time.Hour + 59*time.Minute)
	if msg.SendDate.Before(minSend) || msg.SendDate.After(maxSend) {
		t.Errorf("sendDate %v out of expected range [%v, %v]", msg.SendDate, minSend, maxSend)
	}
}

func TestPlanAutomaticMessagesPropagatesUserFetchError(t *testing.T) {
	p := New(&fakeUsers{err: errors.New("mongo down")}, &fakeSink{})

	_, err := p.PlanAutomaticMessages(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPlanAutomaticMessagesPropagatesInsertError(t *testing.T) {
	p := New(&fakeUsers{users: usersOf("u1", "u2")}, &fakeSink{err: errors.New("insert failed")})

	_, err := p.PlanAutomaticMessages(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

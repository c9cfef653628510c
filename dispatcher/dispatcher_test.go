package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lacechat/automessage/broker"
	"github.com/lacechat/automessage/model"
)

type fakeMessages struct {
	mu       sync.Mutex
	due      []model.PlannedMessage
	queuedID []string
	dueErr   error
	markErr  error
}

func (f *fakeMessages) Due(ctx context.Context, now time.Time) ([]model.PlannedMessage, error) {
	return f.due, f.dueErr
}

func (f *fakeMessages) MarkQueued(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.queuedID = append(f.queuedID, ids...)
	return nil
}

type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	published [][]byte
	failIDs   map[string]bool
}

func (f *fakeBroker) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeBroker) Disconnect(ctx context.Context) error { f.connected = false; return nil }
func (f *fakeBroker) IsConnectionActive() bool              { return f.connected }
func (f *fakeBroker) SendToQueue(ctx context.Context, envelope []byte, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs != nil {
		for id := range f.failIDs {
			if contains(envelope, id) {
				return errors.New("publish failed for " + id)
			}
		}
	}
	f.published = append(f.published, envelope)
	return nil
}
func (f *fakeBroker) Consume(ctx context.Context, prefetch int, blockFor time.Duration) ([]broker.Delivery, error) {
	return nil, nil
}
func (f *fakeBroker) Ack(ctx context.Context, id string) error { return nil }
func (f *fakeBroker) Close() error                             { return nil }

func contains(b []byte, sub string) bool {
	return strings.Contains(string(b), sub)
}

func TestProcessPendingMessagesNoDueReturnsZero(t *testing.T) {
	d := New(&fakeMessages{}, &fakeBroker{connected: true})

	res, err := d.ProcessPendingMessages(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingMessages: %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("Processed = %d, want 0", res.Processed)
	}
}

func TestProcessPendingMessagesPublishesAndMarksQueued(t *testing.T) {
	due := []model.PlannedMessage{
		{ID: "m1", SenderID: "s1", ReceiverID: "r1", Content: "hi"},
		{ID: "m2", SenderID: "s2", ReceiverID: "r2", Content: "hi"},
	}
	msgs := &fakeMessages{due: due}
	b := &fakeBroker{connected: true}
	d := New(msgs, b)

	res, err := d.ProcessPendingMessages(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingMessages: %v", err)
	}
	if res.Processed != 2 || res.Queued != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(msgs.queuedID) != 2 {
		t.Fatalf("queuedID = %v, want 2 ids", msgs.queuedID)
	}
	if len(b.published) != 2 {
		t.Fatalf("published = %d, want 2", len(b.published))
	}
}

func TestProcessPendingMessagesConnectsIfNotActive(t *testing.T) {
	due := []model.PlannedMessage{{ID: "m1", SenderID: "s1", ReceiverID: "r1", Content: "hi"}}
	b := &fakeBroker{connected: false}
	d := New(&fakeMessages{due: due}, b)

	if _, err := d.ProcessPendingMessages(context.Background()); err != nil {
		t.Fatalf("ProcessPendingMessages: %v", err)
	}
	if !b.connected {
		t.Errorf("expected broker to be connected")
	}
}

func TestProcessPendingMessagesPartialFailureMarksOnlySuccesses(t *testing.T) {
	due := []model.PlannedMessage{
		{ID: "m1", SenderID: "s1", ReceiverID: "r1", Content: "hi"},
		{ID: "m2", SenderID: "s2", ReceiverID: "r2", Content: "hi"},
	}
	msgs := &fakeMessages{due: due}
	b := &fakeBroker{connected: true, failIDs: map[string]bool{"m2": true}}
	d := New(msgs, b)

	res, err := d.ProcessPendingMessages(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingMessages: %v", err)
	}
	if res.Queued != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1 entry", res.Errors)
	}
	if len(msgs.queuedID) != 1 || msgs.queuedID[0] != "m1" {
		t.Fatalf("queuedID = %v, want [m1]", msgs.queuedID)
	}
}

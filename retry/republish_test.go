package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lacechat/automessage/broker"
)

type fakeBroker struct {
	mu        sync.Mutex
	acked     []string
	published []publishCall
}

type publishCall struct {
	envelope   []byte
	retryCount int
}

func (f *fakeBroker) Connect(ctx context.Context) error    { return nil }
func (f *fakeBroker) Disconnect(ctx context.Context) error { return nil }
func (f *fakeBroker) IsConnectionActive() bool             { return true }
func (f *fakeBroker) Close() error                         { return nil }

func (f *fakeBroker) SendToQueue(ctx context.Context, envelope []byte, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishCall{envelope: envelope, retryCount: retryCount})
	return nil
}

func (f *fakeBroker) Consume(ctx context.Context, prefetch int, blockFor time.Duration) ([]broker.Delivery, error) {
	return nil, nil
}

func (f *fakeBroker) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeBroker) snapshot() ([]string, []publishCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), append([]publishCall(nil), f.published...)
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeDeadLetters) Record(ctx context.Context, envelope []byte, lastErr error, retryCount int) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := Record{Envelope: envelope, RetryCount: retryCount}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}
	f.records = append(f.records, rec)
	return &rec, nil
}

var _ broker.Broker = (*fakeBroker)(nil)
var _ DeadLetterRecorder = (*fakeDeadLetters)(nil)

func TestFailSchedulesRetryBelowMaxAttempts(t *testing.T) {
	b := &fakeBroker{}
	dl := &fakeDeadLetters{}
	h := NewHandler(b, dl, 3, 10*time.Millisecond)

	d := broker.Delivery{ID: "1-0", Envelope: []byte("payload"), RetryCount: 0}
	outcome, err := h.Fail(context.Background(), d, errors.New("transient"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if outcome != Retried {
		t.Fatalf("outcome = %v, want Retried", outcome)
	}

	acked, _ := b.snapshot()
	if len(acked) != 1 || acked[0] != "1-0" {
		t.Fatalf("acked = %v, want [1-0]", acked)
	}

	time.Sleep(30 * time.Millisecond)
	_, published := b.snapshot()
	if len(published) != 1 || published[0].retryCount != 1 {
		t.Fatalf("published = %+v, want one republish with retryCount 1", published)
	}
	if len(dl.records) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dl.records))
	}
}

func TestFailDeadLettersAtMaxAttempts(t *testing.T) {
	b := &fakeBroker{}
	dl := &fakeDeadLetters{}
	h := NewHandler(b, dl, 3, time.Hour)

	d := broker.Delivery{ID: "1-0", Envelope: []byte("payload"), RetryCount: 3}
	outcome, err := h.Fail(context.Background(), d, errors.New("permanent"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if outcome != DeadLettered {
		t.Fatalf("outcome = %v, want DeadLettered", outcome)
	}

	acked, published := b.snapshot()
	if len(acked) != 1 {
		t.Fatalf("acked = %v, want exactly one ack", acked)
	}
	if len(published) != 0 {
		t.Fatalf("published = %v, want no republish once max attempts reached", published)
	}
	if len(dl.records) != 1 || dl.records[0].LastError != "permanent" {
		t.Fatalf("records = %+v, want one record with cause permanent", dl.records)
	}
}

func TestOutcomeString(t *testing.T) {
	if Retried.String() != "retried" {
		t.Errorf("Retried.String() = %q", Retried.String())
	}
	if DeadLettered.String() != "dead_lettered" {
		t.Errorf("DeadLettered.String() = %q", DeadLettered.String())
	}
}

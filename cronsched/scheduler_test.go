package cronsched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewFallsBackToUTCForBadTimezone(t *testing.T) {
	s, err := New("Not/A_Real_Zone")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s == nil {
		t.Fatal("expected a scheduler")
	}
	if loc := s.cron.Location(); loc != time.UTC {
		t.Errorf("location = %v, want UTC", loc)
	}
}

func TestAddTaskRejectsDuplicateName(t *testing.T) {
	s, _ := New("UTC")
	if err := s.AddTask("planner", "0 2 * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask("planner", "0 3 * * *", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error registering a duplicate task name")
	}
}

func TestTriggerRunsTaskImmediately(t *testing.T) {
	s, _ := New("UTC")
	var ran int32
	s.AddTask("dispatcher", "* * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	if err := s.Trigger("dispatcher"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
}

func TestTriggerUnknownTaskErrors(t *testing.T) {
	s, _ := New("UTC")
	if err := s.Trigger("nope"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestConcurrentTriggerIsNonReentrant(t *testing.T) {
	s, _ := New("UTC")
	release := make(chan struct{})
	var inFlight int32
	var maxObserved int32

	s.AddTask("dispatcher", "* * * * *", func(ctx context.Context) error {
		n := atomic.AddInt32(&inFlight, 1)
		if n > atomic.LoadInt32(&maxObserved) {
			atomic.StoreInt32(&maxObserved, n)
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Trigger("dispatcher") }()
	go func() { defer wg.Done(); time.Sleep(5 * time.Millisecond); s.Trigger("dispatcher") }()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if maxObserved > 1 {
		t.Errorf("observed %d concurrent runs, want at most 1 (non-reentrant guard failed)", maxObserved)
	}

	status := s.Status()
	found := false
	for _, ts := range status.Tasks {
		if ts.Name == "dispatcher" {
			found = true
			if ts.SkipCount < 1 {
				t.Errorf("SkipCount = %d, want at least 1 skipped overlapping run", ts.SkipCount)
			}
		}
	}
	if !found {
		t.Fatal("dispatcher task missing from status")
	}
}

func TestStartStop(t *testing.T) {
	s, _ := New("UTC")
	s.AddTask("noop", "@every 1h", func(ctx context.Context) error { return nil })
	s.Start()
	s.Stop()
}

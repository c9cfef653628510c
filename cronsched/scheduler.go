// Package cronsched drives the pipeline's two recurring tasks — the
// daily planner pass and the once-a-minute dispatcher pass — on a
// single-process cron schedule, generalized from the teacher's
// polling scheduler down to a fixed pair of named, non-reentrant
// cron jobs.
package cronsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is a scheduled unit of work. A non-nil error is logged and
// counted; it never stops the schedule.
type TaskFunc func(ctx context.Context) error

// TaskStatus is the status view exposed per task.
type TaskStatus struct {
	Name          string
	IsScheduled   bool
	IsRunning     bool
	NextExecution time.Time
	RunCount      int64
	SkipCount     int64
	FailureCount  int64
}

// Status is the scheduler-wide status view.
type Status struct {
	Tasks []TaskStatus
}

type task struct {
	name    string
	spec    string
	fn      TaskFunc
	running int32
	entryID cron.EntryID

	runCount    int64
	skipCount   int64
	failureCount int64
}

// Scheduler runs named cron tasks in a configurable timezone, guarding
// each one against overlapping runs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a Scheduler running in the given IANA timezone (e.g.
// "Europe/Istanbul", the pipeline's default). An empty or unresolvable
// location falls back to UTC.
func New(timezone string, opts ...Option) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: slog.Default().With("component", "cronsched"),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddTask registers a named task on the given cron expression. Task
// names are unique: registering a name that is already taken returns
// an error, before or after Start.
func (s *Scheduler) AddTask(name, spec string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("cronsched: task %q already registered", name)
	}

	t := &task{name: name, spec: spec, fn: fn}
	entryID, err := s.cron.AddFunc(spec, func() { s.run(t) })
	if err != nil {
		return fmt.Errorf("cronsched: schedule task %q: %w", name, err)
	}
	t.entryID = entryID
	s.tasks[name] = t
	return nil
}

// run executes a task's function under its non-reentrancy guard. An
// invocation that arrives while the previous run is still in flight is
// skipped and counted, not queued.
func (s *Scheduler) run(t *task) {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		atomic.AddInt64(&t.skipCount, 1)
		s.logger.Warn("skipped overlapping task invocation", "task", t.name)
		return
	}
	defer atomic.StoreInt32(&t.running, 0)

	atomic.AddInt64(&t.runCount, 1)
	if err := t.fn(context.Background()); err != nil {
		atomic.AddInt64(&t.failureCount, 1)
		s.logger.Error("scheduled task failed", "task", t.name, "error", err)
	}
}

// Trigger runs a registered task immediately, sharing the same
// non-reentrancy guard as its cron schedule. Intended for operator and
// test entry points.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cronsched: unknown task %q", name)
	}
	s.run(t)
	return nil
}

// Start begins the cron schedule. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for any in-flight task run to
// finish before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Status returns the current status view for every registered task.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[cron.EntryID]cron.Entry)
	for _, e := range s.cron.Entries() {
		entries[e.ID] = e
	}

	out := Status{Tasks: make([]TaskStatus, 0, len(s.tasks))}
	for _, t := range s.tasks {
		var next time.Time
		if e, ok := entries[t.entryID]; ok {
			next = e.Next
		}
		out.Tasks = append(out.Tasks, TaskStatus{
			Name:          t.name,
			IsScheduled:   true,
			IsRunning:     atomic.LoadInt32(&t.running) == 1,
			NextExecution: next,
			RunCount:      atomic.LoadInt64(&t.runCount),
			SkipCount:     atomic.LoadInt64(&t.skipCount),
			FailureCount:  atomic.LoadInt64(&t.failureCount),
		})
	}
	return out
}

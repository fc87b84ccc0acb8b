// Package tasks supervises named background jobs. One-shot tasks run to
// completion once; recurring tasks repeat on their declared interval.
// Every run is isolated: a failing or panicking task is logged and never
// affects other tasks or the caller.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of background work. Interval of zero means one-shot;
// a positive interval repeats the task until the manager stops.
type Task interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Status is a point-in-time view of a supervised task, exposed for the
// control server and for tests.
type Status struct {
	Name      string    `json:"name"`
	Recurring bool      `json:"recurring"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// entry tracks one registered task and its run counters.
type entry struct {
	task Task

	mu       sync.Mutex
	runs     int64
	failures int64
	lastRun  time.Time
	lastErr  error
}

// Manager owns all registered background tasks for the life of the
// process. Registration never blocks on the task's work; supervision
// happens on a dedicated goroutine per task.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	names   map[string]int
	stopped bool

	wg sync.WaitGroup
}

// NewManager creates an empty task manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		names:  make(map[string]int),
	}
}

// Register begins supervising a task. One-shot tasks run immediately;
// recurring tasks run immediately and then on every interval tick until
// ctx is cancelled or the manager stops. Names are not deduplicated —
// a duplicate is logged at warn and both tasks run.
func (m *Manager) Register(ctx context.Context, t Task) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("task manager stopped, cannot register %q", t.Name())
	}
	if m.names[t.Name()] > 0 {
		m.logger.Warn("duplicate task name registered", "task", t.Name())
	}
	m.names[t.Name()]++
	e := &entry{task: t}
	m.entries = append(m.entries, e)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.supervise(ctx, e)

	m.logger.Debug("task registered",
		"task", t.Name(),
		"interval", t.Interval(),
	)
	return nil
}

// supervise drives a single task. It owns the entry's counters and is
// the only goroutine that mutates them.
func (m *Manager) supervise(ctx context.Context, e *entry) {
	defer m.wg.Done()

	m.runOnce(ctx, e)

	interval := e.task.Interval()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx, e)
		}
	}
}

// runOnce executes one run with panic recovery and records the outcome.
func (m *Manager) runOnce(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.task.Run(ctx)
	}()

	e.mu.Lock()
	e.runs++
	e.lastRun = time.Now()
	e.lastErr = err
	if err != nil {
		e.failures++
	}
	e.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		m.logger.Error("background task failed",
			"task", e.task.Name(),
			"error", err,
		)
	}
}

// Snapshot returns the status of every registered task, in registration
// order.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	entries := make([]*entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := Status{
			Name:      e.task.Name(),
			Recurring: e.task.Interval() > 0,
			Runs:      e.runs,
			Failures:  e.failures,
			LastRun:   e.lastRun,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Stop refuses further registrations and waits for all supervision
// goroutines to observe their context cancellation and exit. The caller
// is expected to cancel the context passed to Register before calling.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("task manager stopped")
}

// Func adapts a plain function into a Task, mirroring http.HandlerFunc.
type Func struct {
	TaskName string
	Every    time.Duration
	Fn       func(ctx context.Context) error
}

func (f Func) Name() string            { return f.TaskName }
func (f Func) Interval() time.Duration { return f.Every }
func (f Func) Run(ctx context.Context) error {
	return f.Fn(ctx)
}

// Package bootstrap sequences startup and supervises long-running
// services. Startup runs in ordered phases: concurrent subsystem
// initialization, message handler registration, database migrations,
// then the started event. Services only begin accepting work after the
// final phase completes, and each is restarted independently with
// exponential backoff if it fails.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wrenbot/wren/internal/lifecycle"
)

const (
	defaultInitTimeout       = 120 * time.Second
	initialRestartBackoff    = time.Second
	defaultRestartBackoffMax = 30 * time.Second
)

// FatalError marks a startup failure. Any error during the
// initialization phases aborts the whole process; only services fail
// independently once the system is up.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Initializer is one subsystem's startup step. All initializers run
// concurrently in phase one; any failure aborts bootstrap.
type Initializer struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Service is a long-running component supervised by Serve. Run blocks
// until it fails or ctx is cancelled; a nil return with ctx still
// active counts as a failure and triggers a restart.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config wires the concrete subsystems into the sequencer.
type Config struct {
	Logger *slog.Logger
	Events *lifecycle.Broadcaster

	// Phase one: concurrent subsystem initialization.
	Phase1 []Initializer

	// Phase two: synchronous message handler registration. Runs only
	// after every phase-one initializer succeeded.
	RegisterHandlers func(ctx context.Context) error

	// Phase three: database migrations. The last blocking step before
	// the system is declared ready.
	Migrate func(ctx context.Context) error

	// InitTimeout bounds each phase-one initializer. Zero means the
	// default of two minutes.
	InitTimeout time.Duration

	// Services supervised after startup completes.
	Services []Service

	// RestartBackoffMax caps the exponential restart backoff. Zero
	// means the default of thirty seconds.
	RestartBackoffMax time.Duration
}

// System owns the bootstrap sequence and service supervision for one
// process.
type System struct {
	cfg    Config
	logger *slog.Logger

	// ready is closed when all startup phases have completed. Serve
	// blocks on it so no service accepts work against a half-built
	// system.
	ready chan struct{}

	mu     sync.Mutex
	starts map[string]int64
}

// New creates a System from the wired config.
func New(cfg Config) *System {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = defaultRestartBackoffMax
	}
	return &System{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
		starts: make(map[string]int64),
	}
}

// Initialize runs the startup phases in order. On success the ready
// gate is open and the started event has been emitted; on failure the
// returned error wraps the failing stage and nothing downstream runs.
func (s *System) Initialize(ctx context.Context) error {
	begin := time.Now()

	if err := s.runPhase1(ctx); err != nil {
		return err
	}

	if s.cfg.RegisterHandlers != nil {
		if err := s.cfg.RegisterHandlers(ctx); err != nil {
			return &FatalError{Stage: "register handlers", Err: err}
		}
		s.logger.Debug("message handlers registered")
	}

	if s.cfg.Migrate != nil {
		if err := s.cfg.Migrate(ctx); err != nil {
			return &FatalError{Stage: "migrations", Err: err}
		}
		s.logger.Debug("migrations complete")
	}

	close(s.ready)

	if s.cfg.Events != nil {
		s.cfg.Events.Emit(ctx, lifecycle.EventStarted)
	}

	s.logger.Info("bootstrap complete",
		"elapsed_ms", time.Since(begin).Milliseconds(),
		"subsystems", len(s.cfg.Phase1),
		"services", len(s.cfg.Services),
	)
	return nil
}

// runPhase1 initializes every subsystem concurrently, failing fast on
// the first error. Each initializer gets its own deadline so one hung
// subsystem cannot stall startup indefinitely.
func (s *System) runPhase1(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, init := range s.cfg.Phase1 {
		g.Go(func() error {
			initCtx, cancel := context.WithTimeout(gctx, s.cfg.InitTimeout)
			defer cancel()

			begin := time.Now()
			if err := init.Fn(initCtx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) && initCtx.Err() != nil {
					err = fmt.Errorf("timed out after %s: %w", s.cfg.InitTimeout, err)
				}
				return &FatalError{Stage: init.Name, Err: err}
			}
			s.logger.Debug("subsystem initialized",
				"subsystem", init.Name,
				"elapsed_ms", time.Since(begin).Milliseconds(),
			)
			return nil
		})
	}

	return g.Wait()
}

// Ready returns a channel closed once all startup phases complete.
func (s *System) Ready() <-chan struct{} {
	return s.ready
}

// Starts returns how many times the named service has been started,
// including the initial start.
func (s *System) Starts(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts[name]
}

func (s *System) noteStart(name string) {
	s.mu.Lock()
	s.starts[name]++
	s.mu.Unlock()
}

// Serve supervises the configured services until ctx is cancelled. It
// waits for Initialize to finish first, so a service never observes a
// partially initialized system. Always returns nil after a clean
// shutdown: service failures are contained, not propagated.
func (s *System) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}

	var wg sync.WaitGroup
	for _, svc := range s.cfg.Services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(ctx, svc)
		}()
	}
	wg.Wait()
	return nil
}

// supervise runs one service in a restart loop. Backoff doubles on
// each consecutive quick failure, capped at RestartBackoffMax, and
// resets once a run survives longer than the cap.
func (s *System) supervise(ctx context.Context, svc Service) {
	backoff := min(initialRestartBackoff, s.cfg.RestartBackoffMax)

	for {
		s.noteStart(svc.Name)
		began := time.Now()
		err := s.runService(ctx, svc)

		if ctx.Err() != nil {
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("service stopped with error during shutdown",
					"service", svc.Name, "error", err)
			}
			return
		}

		if time.Since(began) > s.cfg.RestartBackoffMax {
			backoff = min(initialRestartBackoff, s.cfg.RestartBackoffMax)
		}

		if err != nil {
			s.logger.Error("service failed, restarting",
				"service", svc.Name,
				"error", err,
				"backoff", backoff.String(),
			)
		} else {
			s.logger.Warn("service exited unexpectedly, restarting",
				"service", svc.Name,
				"backoff", backoff.String(),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.RestartBackoffMax {
			backoff = s.cfg.RestartBackoffMax
		}
	}
}

// runService invokes the service with panic recovery, so a panicking
// service is restarted like any other failure.
func (s *System) runService(ctx context.Context, svc Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return svc.Run(ctx)
}

// Run executes the full lifecycle: initialization and service
// supervision together, returning when ctx is cancelled or startup
// fails.
func (s *System) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Initialize(gctx) })
	g.Go(func() error { return s.Serve(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

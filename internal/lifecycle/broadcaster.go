// Package lifecycle broadcasts named process milestones to registered
// listeners. Plugins use it to react to state changes such as startup
// completion without coupling to the bootstrap sequence.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event names a process milestone.
type Event string

const (
	// EventStarted fires once, after every subsystem has initialized,
	// message handlers are registered, and migrations have run. Listeners
	// observe a fully-ready system.
	EventStarted Event = "started"
	// EventStopping fires when a shutdown signal has been received,
	// before persistent services are torn down.
	EventStopping Event = "stopping"
)

// Listener reacts to a lifecycle event. Errors are logged and isolated;
// they never abort the emit or suppress later listeners.
type Listener func(ctx context.Context, event Event) error

// registration pairs a listener with the name it was registered under,
// so failures can be attributed in logs.
type registration struct {
	name string
	fn   Listener
}

// Broadcaster delivers lifecycle events to listeners in registration
// order. Safe for concurrent registration and emission: Emit iterates a
// snapshot, so listeners registered while an emit is in flight are first
// observed by the next emit.
type Broadcaster struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[Event][]registration
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:    logger,
		listeners: make(map[Event][]registration),
	}
}

// Register appends a listener for the given event. The name is used only
// for log attribution; duplicates are allowed. Invocation order equals
// registration order — plugins may rely on that.
func (b *Broadcaster) Register(event Event, name string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], registration{name: name, fn: fn})
}

// Len returns the number of listeners registered for an event.
func (b *Broadcaster) Len(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Emit invokes every listener registered for the event, in registration
// order, and returns only after all have been attempted. A listener
// failure (error or panic) is logged and does not prevent the remaining
// listeners from running.
func (b *Broadcaster) Emit(ctx context.Context, event Event) {
	b.mu.Lock()
	snapshot := make([]registration, len(b.listeners[event]))
	copy(snapshot, b.listeners[event])
	b.mu.Unlock()

	for _, reg := range snapshot {
		if err := b.invoke(ctx, event, reg); err != nil {
			b.logger.Error("lifecycle listener failed",
				"event", string(event),
				"listener", reg.name,
				"error", err,
			)
		}
	}
}

// invoke runs a single listener with panic recovery.
func (b *Broadcaster) invoke(ctx context.Context, event Event, reg registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.fn(ctx, event)
}

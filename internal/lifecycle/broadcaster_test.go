package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(slog.New(slog.DiscardHandler))
}

func TestEmit_InvokesInRegistrationOrder(t *testing.T) {
	b := newTestBroadcaster()

	var order []string
	for _, name := range []string{"L1", "L2", "L3"} {
		name := name
		b.Register(EventStarted, name, func(ctx context.Context, e Event) error {
			order = append(order, name)
			return nil
		})
	}

	// Order must hold on every emit, not just the first.
	for i := 0; i < 3; i++ {
		order = order[:0]
		b.Emit(context.Background(), EventStarted)
		if len(order) != 3 || order[0] != "L1" || order[1] != "L2" || order[2] != "L3" {
			t.Fatalf("emit %d order = %v, want [L1 L2 L3]", i, order)
		}
	}
}

func TestEmit_FailingListenerDoesNotBlockLater(t *testing.T) {
	b := newTestBroadcaster()

	var ran []string
	b.Register(EventStarted, "boom", func(ctx context.Context, e Event) error {
		ran = append(ran, "boom")
		return errors.New("always fails")
	})
	b.Register(EventStarted, "panics", func(ctx context.Context, e Event) error {
		ran = append(ran, "panics")
		panic("listener panic")
	})
	b.Register(EventStarted, "ok", func(ctx context.Context, e Event) error {
		ran = append(ran, "ok")
		return nil
	})

	b.Emit(context.Background(), EventStarted)

	if len(ran) != 3 || ran[2] != "ok" {
		t.Fatalf("ran = %v, want all three with ok last", ran)
	}
}

func TestEmit_OnlyMatchingEvent(t *testing.T) {
	b := newTestBroadcaster()

	var started, stopping int
	b.Register(EventStarted, "s", func(ctx context.Context, e Event) error {
		started++
		return nil
	})
	b.Register(EventStopping, "t", func(ctx context.Context, e Event) error {
		stopping++
		return nil
	})

	b.Emit(context.Background(), EventStarted)

	if started != 1 || stopping != 0 {
		t.Errorf("started=%d stopping=%d, want 1/0", started, stopping)
	}
}

func TestRegister_DuringEmitDoesNotCorrupt(t *testing.T) {
	b := newTestBroadcaster()

	// A listener that registers another listener mid-emit. The new
	// listener must not run during this emit, but must run on the next.
	var lateRuns int
	b.Register(EventStarted, "registrar", func(ctx context.Context, e Event) error {
		b.Register(EventStarted, "late", func(ctx context.Context, e Event) error {
			lateRuns++
			return nil
		})
		return nil
	})

	b.Emit(context.Background(), EventStarted)
	if lateRuns != 0 {
		t.Fatalf("late listener ran during the emit that registered it")
	}

	b.Emit(context.Background(), EventStarted)
	if lateRuns != 1 {
		t.Fatalf("lateRuns = %d after second emit, want 1", lateRuns)
	}
}

func TestRegister_ConcurrentWithEmit(t *testing.T) {
	b := newTestBroadcaster()
	b.Register(EventStarted, "base", func(ctx context.Context, e Event) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Register(EventStarted, "extra", func(ctx context.Context, e Event) error { return nil })
		}()
		go func() {
			defer wg.Done()
			b.Emit(context.Background(), EventStarted)
		}()
	}
	wg.Wait()

	if got := b.Len(EventStarted); got != 9 {
		t.Errorf("Len = %d, want 9", got)
	}
}

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/wrenbot/wren/internal/chat"
	"github.com/wrenbot/wren/internal/config"
	"github.com/wrenbot/wren/internal/lifecycle"
	"github.com/wrenbot/wren/internal/mood"
	"github.com/wrenbot/wren/internal/msgserver"
	"github.com/wrenbot/wren/internal/plugins"
	"github.com/wrenbot/wren/internal/stats"
	"github.com/wrenbot/wren/internal/tasks"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// The sequencer cancels each phase-one initializer's context the moment
// the phase ends. Registrations made during phase one must survive
// that: recurring tasks keep ticking on the process-lifetime context,
// not the initializer's.
func TestRegistrationInitializers_TasksOutliveInitContext(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	chatStore, err := chat.NewStore(filepath.Join(dir, "wren.db"))
	if err != nil {
		t.Fatalf("open chat store: %v", err)
	}
	t.Cleanup(func() { chatStore.Close() })
	streams := chat.NewManager(chatStore, logger)

	statsStore, err := stats.NewStore(filepath.Join(dir, "stats.db"))
	if err != nil {
		t.Fatalf("open stats store: %v", err)
	}
	t.Cleanup(func() { statsStore.Close() })

	moods := mood.NewManager(0.8, logger)
	events := lifecycle.NewBroadcaster(logger)
	msgServer := msgserver.New("127.0.0.1", 0, logger)
	pluginHost := plugins.NewHost(filepath.Join(dir, "plugins"), logger)

	cfg := &config.Config{DataDir: dir}
	cfg.Bot.Name = "Wren"
	cfg.Chat.AutoSaveIntervalSec = 1
	cfg.Mood.DecayIntervalSec = 1
	cfg.Stats.OnlineIntervalSec = 1
	cfg.Stats.ReportIntervalSec = 1
	cfg.Stats.ReportPath = filepath.Join(dir, "report.html")

	runCtx, cancelRun := context.WithCancel(context.Background())
	taskMgr := tasks.NewManager(logger)
	t.Cleanup(func() {
		cancelRun()
		taskMgr.Stop()
	})

	// Run each initializer the way the sequencer does: under its own
	// context, cancelled as soon as the step returns.
	for _, init := range registrationInitializers(runCtx, cfg, streams, moods,
		statsStore, pluginHost, events, taskMgr, msgServer) {
		initCtx, cancel := context.WithCancel(context.Background())
		if err := init.Fn(initCtx); err != nil {
			t.Fatalf("%s: %v", init.Name, err)
		}
		cancel()
	}

	// A second run only happens after an interval tick, which proves
	// supervision survived the initializer contexts dying.
	waitFor(t, "recurring tasks to keep ticking", func() bool {
		for _, st := range taskMgr.Snapshot() {
			if st.Name == "mood_decay" && st.Runs >= 2 {
				return true
			}
		}
		return false
	})
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wrenbot/wren/internal/bootstrap"
	"github.com/wrenbot/wren/internal/bot"
	"github.com/wrenbot/wren/internal/buildinfo"
	"github.com/wrenbot/wren/internal/chat"
	"github.com/wrenbot/wren/internal/config"
	"github.com/wrenbot/wren/internal/control"
	"github.com/wrenbot/wren/internal/emoji"
	"github.com/wrenbot/wren/internal/knowledge"
	"github.com/wrenbot/wren/internal/lifecycle"
	"github.com/wrenbot/wren/internal/migrate"
	"github.com/wrenbot/wren/internal/mood"
	"github.com/wrenbot/wren/internal/msgserver"
	"github.com/wrenbot/wren/internal/plugins"
	"github.com/wrenbot/wren/internal/stats"
	"github.com/wrenbot/wren/internal/tasks"
	"github.com/wrenbot/wren/internal/telemetry"
)

// runServe handles the "wren serve" subcommand. It is the primary
// operating mode: loads config, opens databases, wires every subsystem
// into the bootstrap sequencer, and blocks until a shutdown signal
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM fires the stopping lifecycle event
//  2. Dirty chat streams are flushed and telemetry goes offline
//  3. Supervised services (adapter socket, control server) drain
//  4. Background tasks and database connections close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Wren", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner and config load message; everything after this point uses
	// the configured level and format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"bot", cfg.Bot.Name,
		"listen_port", cfg.Listen.Port,
		"control_port", cfg.Control.Port,
	)

	// --- Data directory ---
	// All persistent state (SQLite databases for chat streams, emoji,
	// knowledge, and statistics) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Chat streams ---
	// SQLite-backed stream cache. Persists across restarts so stream
	// identity and counters survive.
	chatStore, err := chat.NewStore(filepath.Join(cfg.DataDir, "wren.db"))
	if err != nil {
		return fmt.Errorf("open chat database: %w", err)
	}
	defer chatStore.Close()
	streams := chat.NewManager(chatStore, logger)

	// --- Mood ---
	moods := mood.NewManager(cfg.Mood.DecayFactor, logger)

	// --- Emoji catalog ---
	emojiDB, err := emoji.OpenDB(filepath.Join(cfg.DataDir, "emoji.db"))
	if err != nil {
		return fmt.Errorf("open emoji database: %w", err)
	}
	defer emojiDB.Close()
	emojis := emoji.NewManager(emojiDB, cfg.Emoji.Dir,
		time.Duration(cfg.Emoji.CheckIntervalSec)*time.Second, cfg.Emoji.MaxCount, logger)

	// --- Knowledge base ---
	kbStore, err := knowledge.NewStore(filepath.Join(cfg.DataDir, "knowledge.db"), logger)
	if err != nil {
		return fmt.Errorf("open knowledge database: %w", err)
	}
	defer kbStore.Close()
	kb := knowledge.New(kbStore, cfg.Knowledge.ImportDir, logger)

	// --- Statistics ---
	statsStore, err := stats.NewStore(filepath.Join(cfg.DataDir, "stats.db"))
	if err != nil {
		return fmt.Errorf("open stats database: %w", err)
	}
	defer statsStore.Close()

	// --- Message pipeline and servers ---
	pipeline := bot.New(cfg.Bot.Name, streams, moods, kbStore, statsStore, logger)
	msgServer := msgserver.New(cfg.Listen.Address, cfg.Listen.Port, logger)

	events := lifecycle.NewBroadcaster(logger)
	taskMgr := tasks.NewManager(logger)
	defer taskMgr.Stop()

	pluginHost := plugins.NewHost(cfg.PluginDir, logger)

	// --- Control server ---
	pairHost := cfg.Listen.Address
	if pairHost == "" {
		pairHost = hostname()
	}
	pairURL := fmt.Sprintf("ws://%s:%d/ws", pairHost, cfg.Listen.Port)

	ctrlSource := &controlSource{
		botName:    cfg.Bot.Name,
		streams:    streams,
		stats:      statsStore,
		tasks:      taskMgr,
		pluginHost: pluginHost,
	}
	ctrlServer := control.New(cfg.Control.Address, cfg.Control.Port,
		cfg.Control.AdminTokenHash, pairURL, cfg.Bot.Name, ctrlSource, logger)

	// --- Telemetry ---
	// Optional MQTT heartbeat; skipped entirely when no broker is set.
	var reporter *telemetry.Reporter
	if cfg.Telemetry.Configured() {
		instanceID, err := telemetry.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load telemetry instance id: %w", err)
		}
		logger.Info("telemetry instance ID loaded", "instance_id", instanceID)

		reporter = telemetry.New(cfg.Telemetry, cfg.Bot.Name, instanceID,
			&telemetrySource{streams: streams, stats: statsStore}, logger)
	} else {
		logger.Info("telemetry disabled (no broker configured)")
	}

	// Services, task supervision, and plugin hooks live on a
	// process-lifetime context, separate from the signal context so the
	// stopping event and final flush run before they are torn down.
	runCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	// --- Bootstrap wiring ---
	// Phase one initializes subsystems, loads plugins, and registers
	// background tasks concurrently; the message pipeline is wired in
	// phase two once chat streams and mood are ready; migrations run
	// last. Services start accepting work only after all three phases.
	bootCfg := bootstrap.Config{
		Logger:      logger,
		Events:      events,
		InitTimeout: cfg.BootstrapTimeout(),
		Phase1: append([]bootstrap.Initializer{
			{Name: "chat_streams", Fn: streams.Initialize},
			{Name: "mood", Fn: moods.Start},
			{Name: "emoji", Fn: emojis.Initialize},
			{Name: "knowledge", Fn: kb.StartUp},
		}, registrationInitializers(runCtx, cfg, streams, moods, statsStore,
			pluginHost, events, taskMgr, msgServer)...),
		RegisterHandlers: func(hCtx context.Context) error {
			msgServer.RegisterMessageHandler(pipeline.Process)
			msgServer.RegisterCustomMessageHandler("message_id_echo", pipeline.EchoProcess)
			return nil
		},
		Migrate: func(mCtx context.Context) error {
			runner := migrate.NewRunner(chatStore.DB(), migrate.BotMigrations(), logger)
			return runner.CheckAndRun(mCtx)
		},
		Services: []bootstrap.Service{
			{Name: "msgserver", Run: msgServer.Run},
			{Name: "control", Run: ctrlServer.Run},
			{Name: "emoji_check", Run: emojis.PeriodicCheck},
		},
	}
	if reporter != nil {
		bootCfg.Services = append(bootCfg.Services, bootstrap.Service{
			Name: "telemetry", Run: reporter.Run,
		})
	}

	sys := bootstrap.New(bootCfg)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	sigCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	done := make(chan error, 1)
	go func() { done <- sys.Run(runCtx) }()

	select {
	case err := <-done:
		// Startup failed (or the system stopped on its own).
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	events.Emit(shutdownCtx, lifecycle.EventStopping)

	if err := streams.Flush(shutdownCtx); err != nil {
		logger.Error("final stream flush failed", "error", err)
	}
	if reporter != nil {
		if err := reporter.Stop(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}

	stopServices()
	if err := <-done; err != nil {
		return err
	}

	logger.Info("Wren stopped")
	return nil
}

// registrationInitializers builds the phase-one steps that install
// long-lived registrations: plugin loading and the recurring background
// tasks. Both bind to runCtx rather than the per-initializer deadline
// context the sequencer hands them, because the sequencer cancels that
// context as soon as phase one ends and task supervision must outlive
// it (see tasks.Manager.Register).
func registrationInitializers(runCtx context.Context, cfg *config.Config,
	streams *chat.Manager, moods *mood.Manager, statsStore *stats.Store,
	pluginHost *plugins.Host, events *lifecycle.Broadcaster,
	taskMgr *tasks.Manager, msgServer *msgserver.Server) []bootstrap.Initializer {

	return []bootstrap.Initializer{
		{Name: "plugins", Fn: func(context.Context) error {
			return pluginHost.InitAll(runCtx, events, taskMgr, msgServer)
		}},
		{Name: "background_tasks", Fn: func(context.Context) error {
			return registerTasks(runCtx, taskMgr, cfg, streams, moods, statsStore, pluginHost)
		}},
	}
}

// registerTasks installs the recurring background tasks. Registration
// starts each task immediately, so every Fn must tolerate running while
// the rest of the phase-one batch is still initializing (a flush of an
// empty stream cache, a decay of the zero mood state).
func registerTasks(ctx context.Context, mgr *tasks.Manager, cfg *config.Config,
	streams *chat.Manager, moods *mood.Manager, statsStore *stats.Store,
	pluginHost *plugins.Host) error {

	list := []tasks.Func{
		{
			TaskName: "auto_save",
			Every:    time.Duration(cfg.Chat.AutoSaveIntervalSec) * time.Second,
			Fn:       streams.AutoSave,
		},
		{
			TaskName: "mood_decay",
			Every:    time.Duration(cfg.Mood.DecayIntervalSec) * time.Second,
			Fn:       moods.Decay,
		},
		{
			TaskName: "online_time",
			Every:    time.Duration(cfg.Stats.OnlineIntervalSec) * time.Second,
			Fn: func(ctx context.Context) error {
				return statsStore.MarkOnline(cfg.Stats.OnlineIntervalSec)
			},
		},
		{
			TaskName: "statistics_report",
			Every:    time.Duration(cfg.Stats.ReportIntervalSec) * time.Second,
			Fn: func(ctx context.Context) error {
				sum, err := statsStore.Summarize()
				if err != nil {
					return err
				}
				extra := []string{pluginReportSection(pluginHost)}
				return stats.WriteReport(cfg.Stats.ReportPath, cfg.Bot.Name, sum, extra)
			},
		},
	}

	for _, t := range list {
		if err := mgr.Register(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func pluginReportSection(h *plugins.Host) string {
	loaded := h.Loaded()
	if len(loaded) == 0 {
		return "## Plugins\n\nNone loaded."
	}
	section := "## Plugins\n"
	for _, name := range loaded {
		section += "\n- " + name
	}
	return section
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

// controlSource bridges the live subsystems to the control server's
// read-only interface.
type controlSource struct {
	botName    string
	streams    *chat.Manager
	stats      *stats.Store
	tasks      *tasks.Manager
	pluginHost *plugins.Host
}

func (s *controlSource) Status() control.Status {
	return control.Status{
		Name:    s.botName,
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().String(),
		Streams: s.streams.Count(),
		Plugins: len(s.pluginHost.Loaded()),
	}
}

func (s *controlSource) Summary() (*stats.Summary, error) { return s.stats.Summarize() }
func (s *controlSource) TaskSnapshot() []tasks.Status     { return s.tasks.Snapshot() }

// telemetrySource bridges runtime data to the heartbeat payload.
type telemetrySource struct {
	streams *chat.Manager
	stats   *stats.Store
}

func (s *telemetrySource) Uptime() time.Duration            { return buildinfo.Uptime() }
func (s *telemetrySource) Version() string                  { return buildinfo.Version }
func (s *telemetrySource) StreamCount() int                 { return s.streams.Count() }
func (s *telemetrySource) Summary() (*stats.Summary, error) { return s.stats.Summarize() }

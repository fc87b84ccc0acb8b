// Package config handles Wren configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wren/config.yaml, /etc/wren/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wren", "config.yaml"))
	}

	paths = append(paths, "/etc/wren/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Wren configuration.
type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	Listen    ListenConfig    `yaml:"listen"`
	Control   ControlConfig   `yaml:"control"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Chat      ChatConfig      `yaml:"chat"`
	Mood      MoodConfig      `yaml:"mood"`
	Emoji     EmojiConfig     `yaml:"emoji"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Stats     StatsConfig     `yaml:"stats"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	DataDir   string          `yaml:"data_dir"`
	PluginDir string          `yaml:"plugin_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// BotConfig holds the bot's identity.
type BotConfig struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"` // default platform tag for adapters that omit one
}

// ListenConfig defines the inbound message server settings. Chat
// adapters connect here over WebSocket.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ControlConfig defines the administrative HTTP server.
type ControlConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// AdminTokenHash is a bcrypt hash of the admin token. When set,
	// mutating control endpoints require "Authorization: Bearer <token>".
	AdminTokenHash string `yaml:"admin_token_hash"`
}

// BootstrapConfig tunes startup behavior.
type BootstrapConfig struct {
	// TimeoutSec bounds each concurrent startup initialization.
	// Exceeding it aborts the whole bootstrap. Default 120.
	TimeoutSec int `yaml:"timeout_sec"`
}

// ChatConfig defines chat stream management settings.
type ChatConfig struct {
	// AutoSaveIntervalSec is how often dirty chat streams are flushed
	// to disk. Default 60.
	AutoSaveIntervalSec int `yaml:"auto_save_interval_sec"`
}

// MoodConfig defines the mood subsystem.
type MoodConfig struct {
	// DecayIntervalSec is how often mood decays toward baseline. Default 300.
	DecayIntervalSec int `yaml:"decay_interval_sec"`
	// DecayFactor is the per-step multiplier applied to the distance
	// from baseline (0 < factor < 1). Default 0.8.
	DecayFactor float64 `yaml:"decay_factor"`
}

// EmojiConfig defines the emoji subsystem.
type EmojiConfig struct {
	// Dir is the directory scanned for emoji images.
	Dir string `yaml:"dir"`
	// CheckIntervalSec is the periodic re-scan interval. Default 600.
	CheckIntervalSec int `yaml:"check_interval_sec"`
	// MaxCount caps the registered emoji catalog. 0 = unlimited.
	MaxCount int `yaml:"max_count"`
}

// KnowledgeConfig defines the knowledge base.
type KnowledgeConfig struct {
	// ImportDir is scanned on startup for markdown and HTML documents
	// to import into the knowledge store.
	ImportDir string `yaml:"import_dir"`
}

// StatsConfig defines the statistics tasks.
type StatsConfig struct {
	// OnlineIntervalSec is how often the online-time marker is written.
	// Default 60.
	OnlineIntervalSec int `yaml:"online_interval_sec"`
	// ReportIntervalSec is how often the HTML statistics report is
	// regenerated. Default 300.
	ReportIntervalSec int `yaml:"report_interval_sec"`
	// ReportPath is where the HTML report is written. Defaults to
	// <data_dir>/wren_statistics.html.
	ReportPath string `yaml:"report_path"`
}

// TelemetryConfig defines the optional MQTT heartbeat.
type TelemetryConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://broker:1883; empty disables telemetry
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "wren"
	IntervalSec int    `yaml:"interval_sec"` // default 60
}

// Configured reports whether telemetry should be enabled.
func (t TelemetryConfig) Configured() bool {
	return t.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Bot:       BotConfig{Name: "Wren", Platform: "default"},
		Listen:    ListenConfig{Port: 8095},
		Control:   ControlConfig{Port: 8096},
		Bootstrap: BootstrapConfig{TimeoutSec: 120},
		Chat:      ChatConfig{AutoSaveIntervalSec: 60},
		Mood:      MoodConfig{DecayIntervalSec: 300, DecayFactor: 0.8},
		Emoji:     EmojiConfig{CheckIntervalSec: 600},
		Stats:     StatsConfig{OnlineIntervalSec: 60, ReportIntervalSec: 300},
		Telemetry: TelemetryConfig{TopicPrefix: "wren", IntervalSec: 60},
		DataDir:   "data",
	}
}

// Validate checks configuration invariants. Zero-valued optional fields
// are filled from defaults rather than rejected.
func (c *Config) Validate() error {
	if c.Bot.Name == "" {
		c.Bot.Name = "Wren"
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port %d out of range", c.Control.Port)
	}
	if c.Listen.Port == c.Control.Port {
		return fmt.Errorf("listen.port and control.port must differ (both %d)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Bootstrap.TimeoutSec <= 0 {
		c.Bootstrap.TimeoutSec = 120
	}
	if c.Chat.AutoSaveIntervalSec <= 0 {
		c.Chat.AutoSaveIntervalSec = 60
	}
	if c.Mood.DecayIntervalSec <= 0 {
		c.Mood.DecayIntervalSec = 300
	}
	if c.Mood.DecayFactor <= 0 || c.Mood.DecayFactor >= 1 {
		c.Mood.DecayFactor = 0.8
	}
	if c.Emoji.CheckIntervalSec <= 0 {
		c.Emoji.CheckIntervalSec = 600
	}
	if c.Stats.OnlineIntervalSec <= 0 {
		c.Stats.OnlineIntervalSec = 60
	}
	if c.Stats.ReportIntervalSec <= 0 {
		c.Stats.ReportIntervalSec = 300
	}
	if c.Stats.ReportPath == "" {
		c.Stats.ReportPath = filepath.Join(c.DataDir, "wren_statistics.html")
	}
	if c.Telemetry.TopicPrefix == "" {
		c.Telemetry.TopicPrefix = "wren"
	}
	if c.Telemetry.IntervalSec <= 0 {
		c.Telemetry.IntervalSec = 60
	}
	return nil
}

// BootstrapTimeout returns the per-initialization deadline as a Duration.
func (c *Config) BootstrapTimeout() time.Duration {
	return time.Duration(c.Bootstrap.TimeoutSec) * time.Second
}

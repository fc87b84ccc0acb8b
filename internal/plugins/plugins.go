// Package plugins discovers and initializes bot extensions. A plugin is
// either built in (compiled into the binary and registered in code) or
// external (a directory under the plugin dir with a manifest.yaml).
// External manifests can only enable, disable, and configure built-in
// plugins; the bot does not load foreign code.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wrenbot/wren/internal/lifecycle"
	"github.com/wrenbot/wren/internal/msgserver"
	"github.com/wrenbot/wren/internal/tasks"
)

// Manifest is the on-disk description of a plugin, one manifest.yaml
// per directory under the plugin dir.
type Manifest struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Enabled     *bool             `yaml:"enabled"`
	Options     map[string]string `yaml:"options"`
}

// MessageRegistry is the subset of the message server plugins may
// register handlers on.
type MessageRegistry interface {
	RegisterCustomMessageHandler(kind string, h msgserver.Handler)
}

// Registrar is handed to each plugin's Init so it can hook into the
// host: lifecycle events, background tasks, and custom message kinds.
type Registrar struct {
	Events   *lifecycle.Broadcaster
	Tasks    *tasks.Manager
	Messages MessageRegistry
	Logger   *slog.Logger
	Options  map[string]string
}

// Plugin is a built-in extension. Init runs during bootstrap, before
// the started event is emitted; registrations made here are guaranteed
// to see the full lifecycle.
type Plugin interface {
	Name() string
	Init(ctx context.Context, reg *Registrar) error
}

// Host owns plugin discovery and initialization.
type Host struct {
	pluginDir string
	logger    *slog.Logger
	builtins  []Plugin
	loaded    []string
}

// NewHost creates a plugin host. pluginDir may be empty, in which case
// only built-in plugins with no manifest override are initialized.
func NewHost(pluginDir string, logger *slog.Logger) *Host {
	return &Host{
		pluginDir: pluginDir,
		logger:    logger,
		builtins:  Builtins(),
	}
}

// Loaded returns the names of plugins that completed Init, in load
// order.
func (h *Host) Loaded() []string {
	return h.loaded
}

// InitAll discovers manifests and initializes every enabled plugin. A
// plugin whose Init fails is skipped with a warning; plugin faults must
// not abort bootstrap.
func (h *Host) InitAll(ctx context.Context, events *lifecycle.Broadcaster, taskMgr *tasks.Manager, messages MessageRegistry) error {
	manifests, err := h.discover()
	if err != nil {
		return err
	}

	for _, p := range h.builtins {
		m := manifests[p.Name()]
		if m != nil && m.Enabled != nil && !*m.Enabled {
			h.logger.Info("plugin disabled by manifest", "plugin", p.Name())
			continue
		}

		reg := &Registrar{
			Events:   events,
			Tasks:    taskMgr,
			Messages: messages,
			Logger:   h.logger.With("plugin", p.Name()),
		}
		if m != nil {
			reg.Options = m.Options
		}

		if err := p.Init(ctx, reg); err != nil {
			h.logger.Warn("plugin init failed, skipping", "plugin", p.Name(), "error", err)
			continue
		}
		h.loaded = append(h.loaded, p.Name())
		h.logger.Info("plugin loaded", "plugin", p.Name())
	}

	for name := range manifests {
		if !h.isBuiltin(name) {
			h.logger.Warn("manifest names unknown plugin", "plugin", name)
		}
	}
	return nil
}

func (h *Host) isBuiltin(name string) bool {
	for _, p := range h.builtins {
		if p.Name() == name {
			return true
		}
	}
	return false
}

// discover scans the plugin dir for <name>/manifest.yaml files. A
// missing or empty dir is fine.
func (h *Host) discover() (map[string]*Manifest, error) {
	out := make(map[string]*Manifest)
	if h.pluginDir == "" {
		return out, nil
	}

	entries, err := os.ReadDir(h.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(h.pluginDir, name, "manifest.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read manifest %s: %w", path, err)
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			h.logger.Warn("invalid plugin manifest, skipping", "path", path, "error", err)
			continue
		}
		if m.Name == "" {
			m.Name = name
		}
		if !strings.EqualFold(m.Name, name) {
			h.logger.Warn("manifest name does not match directory", "dir", name, "manifest", m.Name)
		}
		out[m.Name] = &m
	}
	return out, nil
}

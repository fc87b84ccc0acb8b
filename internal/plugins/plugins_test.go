package plugins

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/wrenbot/wren/internal/lifecycle"
	"github.com/wrenbot/wren/internal/msgserver"
	"github.com/wrenbot/wren/internal/tasks"
)

type fakeMessages struct {
	custom map[string]msgserver.Handler
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{custom: make(map[string]msgserver.Handler)}
}

func (f *fakeMessages) RegisterCustomMessageHandler(kind string, h msgserver.Handler) {
	f.custom[kind] = h
}

type namedPlugin struct {
	name    string
	initErr error
	inited  *bool
	gotOpts map[string]string
}

func (p *namedPlugin) Name() string { return p.name }
func (p *namedPlugin) Init(ctx context.Context, reg *Registrar) error {
	if p.inited != nil {
		*p.inited = true
	}
	p.gotOpts = reg.Options
	return p.initErr
}

func newTestHost(t *testing.T, dir string, builtins ...Plugin) *Host {
	t.Helper()
	h := NewHost(dir, slog.New(slog.DiscardHandler))
	if len(builtins) > 0 {
		h.builtins = builtins
	}
	return h
}

func writeManifest(t *testing.T, pluginDir, name, content string) {
	t.Helper()
	dir := filepath.Join(pluginDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func initAll(t *testing.T, h *Host) (*lifecycle.Broadcaster, *fakeMessages) {
	t.Helper()
	events := lifecycle.NewBroadcaster(slog.New(slog.DiscardHandler))
	mgr := tasks.NewManager(slog.New(slog.DiscardHandler))
	t.Cleanup(mgr.Stop)
	msgs := newFakeMessages()
	if err := h.InitAll(context.Background(), events, mgr, msgs); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	return events, msgs
}

func TestInitAll_GreeterRegistersHooks(t *testing.T) {
	h := newTestHost(t, "")
	events, msgs := initAll(t, h)

	if got := h.Loaded(); len(got) != 1 || got[0] != "greeter" {
		t.Fatalf("Loaded = %v, want [greeter]", got)
	}
	if events.Len(lifecycle.EventStarted) != 1 || events.Len(lifecycle.EventStopping) != 1 {
		t.Error("greeter did not register lifecycle listeners")
	}

	ping, ok := msgs.custom["ping"]
	if !ok {
		t.Fatal("greeter did not register the ping handler")
	}
	env := &msgserver.Envelope{ID: "42", Kind: "ping"}
	reply, err := ping(context.Background(), env)
	if err != nil {
		t.Fatalf("ping handler: %v", err)
	}
	if reply.Kind != "pong" || reply.ID != "42" || reply.Content != "hello" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestInitAll_ManifestDisablesPlugin(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "greeter", "name: greeter\nenabled: false\n")

	h := newTestHost(t, dir)
	events, _ := initAll(t, h)

	if len(h.Loaded()) != 0 {
		t.Errorf("Loaded = %v, want none", h.Loaded())
	}
	if events.Len(lifecycle.EventStarted) != 0 {
		t.Error("disabled plugin still registered listeners")
	}
}

func TestInitAll_ManifestOptionsPassedThrough(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "custom", "name: custom\noptions:\n  color: teal\n")

	p := &namedPlugin{name: "custom"}
	h := newTestHost(t, dir, p)
	initAll(t, h)

	if p.gotOpts["color"] != "teal" {
		t.Errorf("options = %v, want color=teal", p.gotOpts)
	}
}

func TestInitAll_FailingPluginIsSkipped(t *testing.T) {
	var secondInited bool
	bad := &namedPlugin{name: "bad", initErr: errors.New("broken")}
	good := &namedPlugin{name: "good", inited: &secondInited}

	h := newTestHost(t, "", bad, good)
	initAll(t, h)

	if !secondInited {
		t.Error("plugin after a failing one did not init")
	}
	if got := h.Loaded(); len(got) != 1 || got[0] != "good" {
		t.Errorf("Loaded = %v, want [good]", got)
	}
}

func TestDiscover_IgnoresMissingDirAndBadYAML(t *testing.T) {
	h := newTestHost(t, filepath.Join(t.TempDir(), "nope"))
	if _, err := h.discover(); err != nil {
		t.Fatalf("missing dir: %v", err)
	}

	dir := t.TempDir()
	writeManifest(t, dir, "broken", ": not yaml {{{")
	writeManifest(t, dir, "fine", "name: fine\n")

	h = newTestHost(t, dir)
	manifests, err := h.discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, ok := manifests["fine"]; !ok {
		t.Error("valid manifest not discovered")
	}
	if _, ok := manifests["broken"]; ok {
		t.Error("invalid manifest should be skipped")
	}
}

package plugins

import (
	"context"

	"github.com/wrenbot/wren/internal/lifecycle"
	"github.com/wrenbot/wren/internal/msgserver"
)

// Builtins returns the plugins compiled into the binary, in load order.
func Builtins() []Plugin {
	return []Plugin{
		&Greeter{},
	}
}

// Greeter is the canonical built-in plugin: it announces lifecycle
// transitions and answers "ping" messages. Doubles as a smoke test that
// the plugin surface works end to end.
type Greeter struct{}

func (g *Greeter) Name() string { return "greeter" }

func (g *Greeter) Init(ctx context.Context, reg *Registrar) error {
	greeting := reg.Options["greeting"]
	if greeting == "" {
		greeting = "hello"
	}

	reg.Events.Register(lifecycle.EventStarted, "greeter", func(ctx context.Context, _ lifecycle.Event) error {
		reg.Logger.Info("bot is up", "greeting", greeting)
		return nil
	})
	reg.Events.Register(lifecycle.EventStopping, "greeter", func(ctx context.Context, _ lifecycle.Event) error {
		reg.Logger.Info("bot is going down")
		return nil
	})

	reg.Messages.RegisterCustomMessageHandler("ping", func(ctx context.Context, env *msgserver.Envelope) (*msgserver.Envelope, error) {
		return env.Reply("pong", greeting), nil
	})
	return nil
}

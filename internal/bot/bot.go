// Package bot is the message pipeline: it turns inbound chat envelopes
// into replies, keeping the chat stream cache, mood state, and runtime
// statistics up to date along the way.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wrenbot/wren/internal/chat"
	"github.com/wrenbot/wren/internal/knowledge"
	"github.com/wrenbot/wren/internal/mood"
	"github.com/wrenbot/wren/internal/msgserver"
	"github.com/wrenbot/wren/internal/stats"
)

// Bot handles inbound messages after bootstrap completes. All
// collaborators are initialized before the first envelope arrives.
type Bot struct {
	name      string
	streams   *chat.Manager
	mood      *mood.Manager
	knowledge *knowledge.Store
	stats     *stats.Store
	logger    *slog.Logger
}

// New creates the message pipeline. The knowledge store may be nil when
// no knowledge import dir is configured.
func New(name string, streams *chat.Manager, moods *mood.Manager, kb *knowledge.Store, st *stats.Store, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		name:      name,
		streams:   streams,
		mood:      moods,
		knowledge: kb,
		stats:     st,
		logger:    logger,
	}
}

// Process handles one chat envelope: resolve the stream, update mood
// and statistics, and produce a reply.
func (b *Bot) Process(ctx context.Context, env *msgserver.Envelope) (*msgserver.Envelope, error) {
	if !b.streams.Initialized() {
		return nil, fmt.Errorf("message pipeline not ready")
	}

	stream := b.streams.GetOrCreate(env.Platform, env.Stream, env.Sender)
	b.streams.Touch(stream.ID)
	b.stats.NoteMessage()

	// Incoming attention raises arousal slightly; content sentiment is
	// out of scope for the pipeline, so valence is left to decay.
	b.mood.Nudge(0, 0.05)

	reply, err := b.respond(env)
	if err != nil {
		return nil, err
	}
	if reply != nil {
		b.stats.NoteReply()
	}

	b.logger.Debug("message processed",
		"stream", stream.ID,
		"platform", env.Platform,
		"sender", env.Sender,
	)
	return reply, nil
}

// respond builds the reply content. Knowledge lookups answer questions
// when a matching fragment exists; otherwise a plain acknowledgement is
// sent so the adapter can confirm delivery.
func (b *Bot) respond(env *msgserver.Envelope) (*msgserver.Envelope, error) {
	query := strings.TrimSpace(env.Content)
	if query == "" {
		return nil, nil
	}

	if b.knowledge != nil {
		frags, err := b.knowledge.Search(query, 1)
		if err != nil {
			b.logger.Warn("knowledge search failed", "error", err)
		} else if len(frags) > 0 {
			return env.Reply(msgserver.KindChat, frags[0].Content), nil
		}
	}

	m := b.mood.Current()
	var ack string
	switch {
	case m.Valence > 0.3:
		ack = fmt.Sprintf("%s heard you!", b.name)
	case m.Valence < -0.3:
		ack = fmt.Sprintf("%s heard you.", b.name)
	default:
		ack = fmt.Sprintf("%s is listening.", b.name)
	}
	return env.Reply(msgserver.KindChat, ack), nil
}

// EchoProcess handles "message_id_echo" envelopes: adapters use them to
// probe liveness and measure round-trip time. The reply carries the
// original ID and no content.
func (b *Bot) EchoProcess(ctx context.Context, env *msgserver.Envelope) (*msgserver.Envelope, error) {
	return env.Reply(env.Kind, ""), nil
}

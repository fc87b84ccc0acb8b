package msgserver

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	s := New("127.0.0.1", 0, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(s.handleWS(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return s, conn
}

func TestHasMessageHandler(t *testing.T) {
	s := New("", 0, slog.New(slog.DiscardHandler))
	if s.HasMessageHandler() {
		t.Fatal("new server should have no chat handler")
	}
	s.RegisterMessageHandler(func(ctx context.Context, env *Envelope) (*Envelope, error) {
		return nil, nil
	})
	if !s.HasMessageHandler() {
		t.Fatal("handler registration not observable")
	}
}

func TestDispatch_ChatHandlerReply(t *testing.T) {
	s, conn := newTestServer(t)

	s.RegisterMessageHandler(func(ctx context.Context, env *Envelope) (*Envelope, error) {
		return env.Reply(KindChat, "pong:"+env.Content), nil
	})

	out := Envelope{ID: "m1", Kind: KindChat, Sender: "alice", Stream: "g1", Content: "ping"}
	if err := conn.WriteJSON(out); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.ID != "m1" {
		t.Errorf("reply ID = %q, want m1", reply.ID)
	}
	if reply.Content != "pong:ping" {
		t.Errorf("reply Content = %q", reply.Content)
	}
}

func TestDispatch_CustomKindRouting(t *testing.T) {
	s, conn := newTestServer(t)

	var chatCalls int
	s.RegisterMessageHandler(func(ctx context.Context, env *Envelope) (*Envelope, error) {
		chatCalls++
		return nil, nil
	})
	s.RegisterCustomMessageHandler("message_id_echo", func(ctx context.Context, env *Envelope) (*Envelope, error) {
		return env.Reply("message_id_echo", env.ID), nil
	})

	out := Envelope{ID: "echo-1", Kind: "message_id_echo"}
	if err := conn.WriteJSON(out); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Kind != "message_id_echo" || reply.Content != "echo-1" {
		t.Errorf("reply = %+v, want echo of id", reply)
	}
	if chatCalls != 0 {
		t.Errorf("chat handler invoked %d times for custom kind", chatCalls)
	}
}

func TestDispatch_MalformedAndUnhandledDoNotKillConnection(t *testing.T) {
	s, conn := newTestServer(t)

	s.RegisterMessageHandler(func(ctx context.Context, env *Envelope) (*Envelope, error) {
		return env.Reply(KindChat, "alive"), nil
	})

	// Malformed JSON, then an unhandled kind, then a valid chat message.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if err := conn.WriteJSON(Envelope{ID: "x", Kind: "unknown_kind"}); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	if err := conn.WriteJSON(Envelope{ID: "m2", Kind: KindChat, Sender: "bob", Content: "hi"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.ID != "m2" || reply.Content != "alive" {
		t.Errorf("reply = %+v, want reply to m2", reply)
	}
}

func TestEnvelope_Validate(t *testing.T) {
	env := &Envelope{Kind: KindChat, Sender: "alice"}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if env.ID == "" {
		t.Error("Validate should assign an ID")
	}
	if env.Timestamp.IsZero() {
		t.Error("Validate should assign a timestamp")
	}

	bad := &Envelope{Kind: KindChat}
	if err := bad.Validate(); err == nil {
		t.Error("chat envelope without sender should be rejected")
	}
}

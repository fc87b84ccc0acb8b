// Package msgserver implements the inbound message server. Chat
// adapters connect over WebSocket and exchange JSON envelopes; the
// bootstrap layer wires the message pipeline in as handlers before the
// server starts accepting traffic.
package msgserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler processes one inbound envelope. A non-nil reply is written
// back to the adapter that sent the message.
type Handler func(ctx context.Context, env *Envelope) (*Envelope, error)

// Server accepts adapter connections and dispatches envelopes to the
// registered handlers. Handlers are registered during bootstrap, before
// Run is called; the zero handler set rejects chat traffic.
type Server struct {
	address string
	port    int
	logger  *slog.Logger

	mu      sync.RWMutex
	handler Handler
	custom  map[string]Handler

	upgrader websocket.Upgrader
	server   *http.Server

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// New creates a message server. Call RegisterMessageHandler before Run.
func New(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger,
		custom:  make(map[string]Handler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Adapters are trusted local processes; origin checks are
			// the control server's concern, not the adapter socket's.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// RegisterMessageHandler installs the handler for ordinary chat
// envelopes. The last registration wins.
func (s *Server) RegisterMessageHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// RegisterCustomMessageHandler routes envelopes of the given kind to a
// dedicated handler (e.g. "message_id_echo").
func (s *Server) RegisterCustomMessageHandler(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom[kind] = h
}

// HasMessageHandler reports whether a chat handler is registered. The
// bootstrap tests use this to verify the phase barrier.
func (s *Server) HasMessageHandler() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler != nil
}

// Addr returns the configured listen address in host:port form.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.address, s.port)
}

// Run starts accepting adapter connections and blocks until ctx is
// cancelled. Returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS(ctx))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      mux,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	s.logger.Info("message server listening", "addr", s.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.closeConns()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("message server: %w", err)
	}
}

// handleWS upgrades the HTTP request and runs the per-connection read
// loop. The loop exits when the adapter disconnects or ctx is cancelled.
func (s *Server) handleWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.trackConn(conn, true)
		defer s.trackConn(conn, false)
		defer conn.Close()

		s.logger.Info("adapter connected", "remote", r.RemoteAddr)
		s.readLoop(ctx, conn)
		s.logger.Info("adapter disconnected", "remote", r.RemoteAddr)
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Writes may come from concurrent dispatches on this connection;
	// gorilla permits only one concurrent writer.
	var writeMu sync.Mutex

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("adapter read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed envelope dropped", "error", err)
			continue
		}
		if err := env.Validate(); err != nil {
			s.logger.Warn("invalid envelope dropped", "error", err)
			continue
		}

		reply, err := s.dispatch(ctx, &env)
		if err != nil {
			s.logger.Error("message handler failed",
				"kind", env.Kind,
				"id", env.ID,
				"error", err,
			)
			continue
		}
		if reply == nil {
			continue
		}

		writeMu.Lock()
		err = conn.WriteJSON(reply)
		writeMu.Unlock()
		if err != nil {
			s.logger.Debug("reply write failed", "id", env.ID, "error", err)
			return
		}
	}
}

// dispatch routes an envelope to the custom handler for its kind, or to
// the main chat handler.
func (s *Server) dispatch(ctx context.Context, env *Envelope) (*Envelope, error) {
	s.mu.RLock()
	h := s.custom[env.Kind]
	if h == nil && env.Kind == KindChat {
		h = s.handler
	}
	s.mu.RUnlock()

	if h == nil {
		return nil, fmt.Errorf("no handler for kind %q", env.Kind)
	}
	return h(ctx, env)
}

func (s *Server) trackConn(conn *websocket.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// closeConns force-closes any adapter connections that survived the
// HTTP shutdown (Shutdown does not touch hijacked connections).
func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

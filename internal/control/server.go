// Package control implements the operator-facing HTTP server: health,
// statistics, task status, and adapter pairing. It binds separately
// from the adapter socket so it can be firewalled independently.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"

	"github.com/wrenbot/wren/internal/stats"
	"github.com/wrenbot/wren/internal/tasks"
)

// Status is the payload served by /healthz.
type Status struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Streams int    `json:"streams"`
	Plugins int    `json:"plugins"`
}

// Source provides the runtime data the control endpoints expose.
type Source interface {
	Status() Status
	Summary() (*stats.Summary, error)
	TaskSnapshot() []tasks.Status
}

// Server is the admin HTTP server. When adminTokenHash is non-empty,
// every endpoint except /healthz requires a matching bearer token.
type Server struct {
	address        string
	port           int
	adminTokenHash string
	pairURL        string
	botName        string
	source         Source
	logger         *slog.Logger
	server         *http.Server
}

// New creates a control server. pairURL is the ws:// URL adapters
// should connect to; it is what /pair encodes as a QR code.
func New(address string, port int, adminTokenHash, pairURL, botName string, source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:        address,
		port:           port,
		adminTokenHash: adminTokenHash,
		pairURL:        pairURL,
		botName:        botName,
		source:         source,
		logger:         logger,
	}
}

// Addr returns the configured listen address in host:port form.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.address, s.port)
}

// Run starts the control server and blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	s.logger.Info("control server listening", "addr", s.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control server: %w", err)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /tasks", s.auth(s.handleTasks))
	mux.HandleFunc("GET /pair", s.auth(s.handlePair))
	return mux
}

// auth wraps a handler with bearer-token authentication. Tokens are
// compared against the bcrypt hash from config, so the config file
// never holds the plaintext token.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.adminTokenHash == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.adminTokenHash), []byte(token)) != nil {
			s.logger.Warn("control auth rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Status())
}

// handleStats serves the statistics report as a rendered HTML page.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sum, err := s.source.Summary()
	if err != nil {
		s.logger.Error("stats summary failed", "error", err)
		http.Error(w, "summary unavailable", http.StatusInternalServerError)
		return
	}

	page, err := stats.RenderReport(s.botName, sum, nil)
	if err != nil {
		s.logger.Error("stats render failed", "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.TaskSnapshot())
}

// handlePair serves a QR code of the adapter socket URL, so a phone
// adapter can be pointed at the bot without typing the address.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(s.pairURL, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("pair QR encode failed", "error", err)
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

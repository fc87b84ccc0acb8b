package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream is one conversation context: a group channel or a direct chat
// on some platform. Identity is deterministic, so the same adapter
// coordinates always resolve to the same stream across restarts.
type Stream struct {
	ID           string
	Platform     string
	GroupID      string // empty for direct chats
	UserID       string // empty for group chats
	MessageCount int64
	CreatedAt    time.Time
	LastActive   time.Time

	dirty bool
}

// StreamID derives the deterministic stream identity from adapter
// coordinates.
func StreamID(platform, groupID, userID string) string {
	name := platform + "\x00" + groupID + "\x00" + userID
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Manager owns the in-memory stream cache. Initialize loads persisted
// streams; the auto-save task flushes dirty streams on an interval.
type Manager struct {
	logger *slog.Logger
	store  *Store

	mu          sync.Mutex
	streams     map[string]*Stream
	initialized bool
}

// NewManager creates a manager on top of the given store.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		store:   store,
		streams: make(map[string]*Stream),
	}
}

// Initialize loads all persisted streams into the cache. Must complete
// before the message pipeline is wired to the inbound server.
func (m *Manager) Initialize(ctx context.Context) error {
	streams, err := m.store.LoadStreams()
	if err != nil {
		return fmt.Errorf("initialize chat manager: %w", err)
	}

	m.mu.Lock()
	for _, st := range streams {
		m.streams[st.ID] = st
	}
	m.initialized = true
	count := len(m.streams)
	m.mu.Unlock()

	m.logger.Info("chat manager initialized", "streams", count)
	return nil
}

// Initialized reports whether Initialize has completed.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// GetOrCreate resolves the stream for the given adapter coordinates,
// creating and marking it dirty if unseen.
func (m *Manager) GetOrCreate(platform, groupID, userID string) *Stream {
	id := StreamID(platform, groupID, userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.streams[id]; ok {
		return st
	}

	now := time.Now().UTC()
	st := &Stream{
		ID:         id,
		Platform:   platform,
		GroupID:    groupID,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
		dirty:      true,
	}
	m.streams[id] = st
	m.logger.Debug("stream created", "stream", id, "platform", platform)
	return st
}

// Touch records message activity on a stream.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.streams[id]; ok {
		st.MessageCount++
		st.LastActive = time.Now().UTC()
		st.dirty = true
	}
}

// Count returns the number of cached streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Flush persists every dirty stream. Used by the auto-save task and on
// shutdown. Persistence errors are returned but leave the dirty flag
// set so the next flush retries.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	var dirty []*Stream
	for _, st := range m.streams {
		if st.dirty {
			copied := *st
			dirty = append(dirty, &copied)
		}
	}
	m.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	var failed int
	for _, st := range dirty {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.store.SaveStream(st); err != nil {
			failed++
			m.logger.Error("stream save failed", "stream", st.ID, "error", err)
			continue
		}
		m.mu.Lock()
		if live, ok := m.streams[st.ID]; ok && live.MessageCount == st.MessageCount {
			live.dirty = false
		}
		m.mu.Unlock()
	}

	m.logger.Debug("streams flushed", "saved", len(dirty)-failed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("flush: %d of %d stream saves failed", failed, len(dirty))
	}
	return nil
}

// AutoSave runs one auto-save pass; register it with the task registry
// on the configured interval.
func (m *Manager) AutoSave(ctx context.Context) error {
	return m.Flush(ctx)
}

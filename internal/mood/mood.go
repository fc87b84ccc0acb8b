// Package mood tracks the bot's affective state. The model is
// deliberately simple plumbing: a valence/arousal pair nudged by message
// events and pulled back toward baseline by a periodic decay task.
package mood

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a snapshot of the current mood.
type State struct {
	Valence float64   `json:"valence"` // -1 (negative) .. +1 (positive)
	Arousal float64   `json:"arousal"` // 0 (calm) .. 1 (excited)
	Updated time.Time `json:"updated"`
}

// Manager holds the mood state. All methods are safe for concurrent use.
type Manager struct {
	logger      *slog.Logger
	decayFactor float64

	mu      sync.Mutex
	state   State
	started bool
}

// NewManager creates a mood manager. decayFactor is the per-step
// multiplier applied to the distance from baseline (0 < factor < 1).
func NewManager(decayFactor float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		decayFactor: decayFactor,
	}
}

// Start seeds the baseline state. Part of the concurrent bootstrap
// batch; must complete before the message pipeline is wired.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Valence: 0, Arousal: 0.3, Updated: time.Now().UTC()}
	m.started = true
	m.logger.Info("mood manager started", "valence", m.state.Valence, "arousal", m.state.Arousal)
	return nil
}

// Started reports whether Start has completed.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Current returns the mood snapshot.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Nudge shifts the mood in response to a message event. Values are
// clamped to the model's range.
func (m *Manager) Nudge(valenceDelta, arousalDelta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Valence = clamp(m.state.Valence+valenceDelta, -1, 1)
	m.state.Arousal = clamp(m.state.Arousal+arousalDelta, 0, 1)
	m.state.Updated = time.Now().UTC()
}

// Decay pulls the state toward baseline (valence 0, arousal 0.3). Runs
// on the task registry's schedule.
func (m *Manager) Decay(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Valence *= m.decayFactor
	m.state.Arousal = 0.3 + (m.state.Arousal-0.3)*m.decayFactor
	m.state.Updated = time.Now().UTC()
	m.logger.Debug("mood decayed", "valence", m.state.Valence, "arousal", m.state.Arousal)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

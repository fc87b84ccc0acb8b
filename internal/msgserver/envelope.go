package msgserver

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KindChat is the envelope kind carrying ordinary chat traffic. Any
// other kind is routed to a custom handler registered for it.
const KindChat = "chat"

// Envelope is the JSON message exchanged with chat adapters over the
// WebSocket connection. Adapters send inbound messages and receive the
// handler's reply (if any) with the same ID.
type Envelope struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Platform  string    `json:"platform,omitempty"`
	Stream    string    `json:"stream,omitempty"` // group or channel identifier
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Validate checks the minimal envelope contract and fills defaults.
func (e *Envelope) Validate() error {
	if e.Kind == "" {
		e.Kind = KindChat
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == KindChat && e.Sender == "" {
		return fmt.Errorf("chat envelope %s missing sender", e.ID)
	}
	return nil
}

// Reply builds a response envelope that correlates to e by ID.
func (e *Envelope) Reply(kind, content string) *Envelope {
	return &Envelope{
		ID:        e.ID,
		Kind:      kind,
		Platform:  e.Platform,
		Stream:    e.Stream,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

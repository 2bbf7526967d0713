package events

import (
	"context"
	"sync"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Sink delivers server messages to one client. The WebSocket connection is
// the production sink; tests substitute an in-memory one.
type Sink interface {
	Send(ctx context.Context, v any) error
}

// Session is the per-connection state the orchestrator owns: an id, the
// sink back to the client, and the envelope of the last validated token.
// Everything durable lives in events, not here.
type Session struct {
	id   string
	sink Sink

	mu       sync.Mutex
	envelope *models.Envelope
	clientID string
}

// NewSession builds a session around a sink.
func NewSession(id string, sink Sink) *Session {
	return &Session{id: id, sink: sink}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Send delivers a message to the client.
func (s *Session) Send(ctx context.Context, v any) error {
	return s.sink.Send(ctx, v)
}

// SetEnvelope stores the envelope of the most recent successful validation.
func (s *Session) SetEnvelope(e *models.Envelope) {
	s.mu.Lock()
	s.envelope = e
	s.mu.Unlock()
}

// Envelope returns the current envelope, or nil before any validation.
func (s *Session) Envelope() *models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envelope
}

// Register associates an externally generated client id with the session.
func (s *Session) Register(clientID string) {
	s.mu.Lock()
	s.clientID = clientID
	s.mu.Unlock()
}

// ClientID returns the externally registered id, or "" if none.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Handler receives the lifecycle of each connection. Implemented by the
// request orchestrator.
type Handler interface {
	// Connected runs once after the session is registered.
	Connected(ctx context.Context, sess *Session)
	// Handle processes one inbound message. Within a connection messages
	// are handled sequentially.
	Handle(ctx context.Context, sess *Session, msg *ClientMessage)
	// Disconnected runs once after the read loop exits. ctx may already be
	// cancelled when the client dropped; implementations that must still
	// write events detach from it.
	Disconnected(ctx context.Context, sess *Session)
}

// Manager tracks active WebSocket sessions. One instance per process.
type Manager struct {
	handler      Handler
	writeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a connection manager.
func NewManager(handler Handler, writeTimeout time.Duration, logger *slog.Logger) *Manager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Manager{
		handler:      handler,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "ws"),
		sessions:     map[string]*Session{},
	}
}

// HandleConnection owns the lifecycle of one WebSocket connection. Blocks
// until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sess := NewSession(uuid.New().String(), &wsSink{conn: conn, timeout: m.writeTimeout})
	m.register(sess)
	defer m.unregister(sess, conn)

	m.handler.Connected(ctx, sess)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handler.Disconnected(ctx, sess)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid message", "session_id", sess.ID(), "error", err)
			if err := sess.Send(ctx, NewErrorMessage("transport", "invalid JSON message", nil)); err != nil {
				m.logger.Warn("failed to send error", "session_id", sess.ID(), "error", err)
			}
			continue
		}

		m.handler.Handle(ctx, sess, &msg)
	}
}

// ActiveSessions returns the count of open connections, for health and metrics.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) register(sess *Session) {
	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()
}

func (m *Manager) unregister(sess *Session, conn *websocket.Conn) {
	m.mu.Lock()
	delete(m.sessions, sess.ID())
	m.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// wsSink writes JSON frames with a bounded write timeout.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

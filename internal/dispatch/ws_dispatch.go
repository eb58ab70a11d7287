// Package dispatch pushes composer updates to connected websocket clients.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/resolver"
)

var ErrNoSession = errors.New("dispatch: no websocket connected for session")

// Conn is the part of *websocket.Conn the registry writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Message is the envelope sent over the socket.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSSession is one connected client. Writes are serialized.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(m)
}

// WSRegistry maps composer session ids to their connected sockets. A session
// may have more than one socket open, e.g. after a reconnect.
type WSRegistry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	return &WSRegistry{log: logging.OrDefault(log), sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(sessionID string, conn Conn) *WSSession {
	ws := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[*WSSession]struct{})
	}
	r.sessions[sessionID][ws] = struct{}{}
	return ws
}

func (r *WSRegistry) Remove(sessionID string, ws *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.sessions[sessionID]
	delete(conns, ws)
	if len(conns) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Notify sends a suggestion update to every socket of sessionID. Sockets that
// fail to write are closed and dropped.
func (r *WSRegistry) Notify(sessionID string, u resolver.Update) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[sessionID]))
	for ws := range r.sessions[sessionID] {
		targets = append(targets, ws)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}

	msg := Message{Type: "suggestions", Data: u}
	for _, ws := range targets {
		if err := ws.Send(msg); err != nil {
			r.log.Warn("ws send error", "session_id", sessionID, "error", err)
			_ = ws.conn.Close()
			r.Remove(sessionID, ws)
		}
	}
	return nil
}

// CloseSession closes every socket of sessionID.
func (r *WSRegistry) CloseSession(sessionID string) {
	r.mu.Lock()
	conns := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	for ws := range conns {
		_ = ws.conn.Close()
	}
}

func (r *WSRegistry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

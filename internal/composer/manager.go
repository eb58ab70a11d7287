package composer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/observability"
)

const DefaultIdleTTL = 30 * time.Minute

// Manager owns the open sessions of this process and disposes the ones left
// idle for longer than the idle TTL.
type Manager struct {
	deps    Deps
	idleTTL time.Duration
	log     *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	onDispose func(id string)
}

func NewManager(deps Deps, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		deps:     deps,
		idleTTL:  idleTTL,
		log:      logging.OrDefault(deps.Log),
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Create(ctx context.Context, user models.User) (*Session, error) {
	s, err := Create(ctx, uuid.NewString(), user, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	observability.SessionsActive.Inc()
	m.log.Info("session created", "session_id", s.ID, "user_id", user.ID)
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// OnDispose registers fn to run after a session is disposed, whether by an
// explicit Dispose, the idle janitor or shutdown.
func (m *Manager) OnDispose(fn func(id string)) {
	m.mu.Lock()
	m.onDispose = fn
	m.mu.Unlock()
}

func (m *Manager) Dispose(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	hook := m.onDispose
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Dispose()
	observability.SessionsActive.Dec()
	if hook != nil {
		hook(id)
	}
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap disposes sessions idle since before now-idleTTL and returns how many.
func (m *Manager) Reap(now time.Time) int {
	cutoff := now.Add(-m.idleTTL)
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if m.Dispose(id) == nil {
			n++
		}
	}
	if n > 0 {
		m.log.Info("reaped idle sessions", "count", n)
	}
	return n
}

// Run reaps idle sessions until ctx is done, then disposes the rest.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case now := <-t.C:
			m.Reap(now)
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Dispose(id)
	}
}

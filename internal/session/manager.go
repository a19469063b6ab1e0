package session

import (
	"log/slog"
	"sync"
)

// Manager holds the live sessions by ID.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:      logger,
		sessions: make(map[string]*Session),
	}
}

// Add registers s. It reports false if the ID is taken.
func (m *Manager) Add(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return false
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	return true
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove unregisters id and returns its session.
func (m *Manager) Remove(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return s, true
}

// List returns the registered sessions in registration order.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Send queues msg for id. A session whose outbox overflows is killed so its
// connection is torn down; the caller sees false.
func (m *Manager) Send(id string, msg []byte) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	ok, _ = m.deliver(s, msg)
	return ok
}

// Broadcast queues msg for every session and returns the IDs of sessions
// that were dropped as too slow.
func (m *Manager) Broadcast(msg []byte) []string {
	var dropped []string
	for _, s := range m.List() {
		if _, killed := m.deliver(s, msg); killed {
			dropped = append(dropped, s.ID)
		}
	}
	return dropped
}

func (m *Manager) deliver(s *Session, msg []byte) (ok, killed bool) {
	if s.Send(msg) {
		return true, false
	}
	if s.Closed() {
		return false, false
	}
	m.log.Warn("outbox full, dropping connection", "session", s.ID)
	s.Kill()
	return false, true
}

// CloseAll closes every session, letting writers flush first.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		s.Close()
	}
}

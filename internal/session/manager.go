package session

import (
	"fmt"
	"sort"
	"sync"
)

const defaultHistorySize = 200

// Manager tracks connected client sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	historySize int
}

// NewManager creates a session manager. maxSessions of zero means no
// limit; historySize bounds each session's event history.
func NewManager(maxSessions, historySize int) *Manager {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		historySize: historySize,
	}
}

// Open registers a session for a newly connected client.
func (m *Manager) Open(remoteAddr string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	sess := newSession(remoteAddr, m.historySize)
	m.sessions[sess.ID] = sess
	return sess, nil
}

// Close closes a session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Close()
	return nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	result := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Info())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Shutdown closes every session, terminating running invocations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

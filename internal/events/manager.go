package events

import "sync"

// Manager keeps one buffer per session.
type Manager struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{buffers: make(map[string]*Buffer)}
}

// Get returns the session's buffer, creating it on first use.
func (m *Manager) Get(sessionID string) *Buffer {
	m.mu.RLock()
	b, ok := m.buffers[sessionID]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[sessionID]; ok {
		return b
	}
	b = NewBuffer()
	m.buffers[sessionID] = b
	return b
}

// Remove drops the session's buffer.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, sessionID)
}

package destinations

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultKeepAlive is how long a session keeps watching after its last
// destination detaches, so a quick re-attach resumes without losing context.
const DefaultKeepAlive = 5 * time.Minute

// Hooks connect the manager to the session runtime.
type Hooks struct {
	// OnSessionStart is called when a session gains its first destination
	// (or is restored from config).
	OnSessionStart func(sessionID string)
	// OnSessionStop is called when the keep-alive window expires.
	OnSessionStop func(sessionID string)
}

// Manager owns the session -> destinations map and the keep-alive timers.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string][]Destination
	timers    map[string]*time.Timer
	keepAlive time.Duration
	hooks     Hooks
	shutdown  bool
}

// NewManager creates a manager. A zero keepAlive selects the default.
func NewManager(keepAlive time.Duration, hooks Hooks) *Manager {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Manager{
		sessions:  make(map[string][]Destination),
		timers:    make(map[string]*time.Timer),
		keepAlive: keepAlive,
		hooks:     hooks,
	}
}

// Attach adds a destination. The first destination for a session starts it;
// attaching during the keep-alive window just cancels the pending stop.
// Attaching an already-present destination is a no-op success.
func (m *Manager) Attach(sessionID string, d Destination) error {
	if err := d.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	existing := m.sessions[sessionID]
	for _, cur := range existing {
		if cur.Key() == d.Key() {
			m.mu.Unlock()
			return nil
		}
	}

	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
		m.sessions[sessionID] = append(existing, d)
		m.mu.Unlock()
		slog.Debug("attach cancelled keep-alive", "session_id", sessionID, "destination", d.Key())
		return nil
	}

	first := len(existing) == 0
	m.sessions[sessionID] = append(existing, d)
	m.mu.Unlock()

	if first && m.hooks.OnSessionStart != nil {
		m.hooks.OnSessionStart(sessionID)
	}
	return nil
}

// Detach removes a destination by exact identifier match. Removing the last
// destination arms the keep-alive timer.
func (m *Manager) Detach(sessionID string, d Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotAttached
	}
	idx := -1
	for i, cur := range existing {
		if cur.Key() == d.Key() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotAttached
	}

	existing = append(existing[:idx], existing[idx+1:]...)
	if len(existing) > 0 {
		m.sessions[sessionID] = existing
		return nil
	}

	delete(m.sessions, sessionID)
	if m.shutdown {
		return nil
	}
	m.timers[sessionID] = time.AfterFunc(m.keepAlive, func() {
		m.mu.Lock()
		delete(m.timers, sessionID)
		stopped := m.shutdown
		m.mu.Unlock()
		if !stopped && m.hooks.OnSessionStop != nil {
			m.hooks.OnSessionStop(sessionID)
		}
	})
	slog.Debug("keep-alive armed", "session_id", sessionID, "delay", m.keepAlive)
	return nil
}

// Destinations returns a copy of the session's attached destinations.
func (m *Manager) Destinations(sessionID string) []Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.sessions[sessionID]
	out := make([]Destination, len(src))
	copy(out, src)
	return out
}

// Sessions returns a snapshot of all sessions and their destinations.
func (m *Manager) Sessions() map[string][]Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]Destination, len(m.sessions))
	for id, ds := range m.sessions {
		cp := make([]Destination, len(ds))
		copy(cp, ds)
		out[id] = cp
	}
	return out
}

// Restore populates runtime state from persisted config and starts each
// non-empty session.
func (m *Manager) Restore(sessions map[string][]Destination) {
	for sessionID, ds := range sessions {
		valid := ds[:0:0]
		for _, d := range ds {
			if err := d.Validate(); err != nil {
				slog.Warn("skipping invalid persisted destination", "session_id", sessionID, "error", err)
				continue
			}
			valid = append(valid, d)
		}
		if len(valid) == 0 {
			continue
		}
		m.mu.Lock()
		m.sessions[sessionID] = valid
		m.mu.Unlock()
		if m.hooks.OnSessionStart != nil {
			m.hooks.OnSessionStart(sessionID)
		}
	}
}

// Shutdown cancels all keep-alive timers and blocks further stops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessionGrace is how long a terminal session stays readable before pruning.
const sessionGrace = 5 * time.Minute

// Manager tracks ephemeral watch sessions for the HTTP surface, keyed by
// opaque session IDs. Sessions are pruned once their budget plus a grace
// period has passed.
type Manager struct {
	source Source
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Watcher
}

// NewManager constructs an empty session manager.
func NewManager(source Source, log *zap.Logger) *Manager {
	return &Manager{
		source:   source,
		log:      log,
		sessions: make(map[string]*Watcher),
	}
}

// Start creates a watcher, begins polling, and returns its session ID.
func (m *Manager) Start(ctx context.Context, opts Options) (string, error) {
	w := New(m.source, m.log)
	if err := w.Start(ctx, opts); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.pruneLocked()
	m.sessions[id] = w
	m.mu.Unlock()
	return id, nil
}

// Get looks up a session.
func (m *Manager) Get(id string) (*Watcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions[id]
	return w, ok
}

// Cancel stops and removes a session. It reports whether the session existed.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	w, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		w.Cancel()
	}
	return ok
}

func (m *Manager) pruneLocked() {
	cutoff := time.Now().Add(-sessionGrace)
	for id, w := range m.sessions {
		if w.Status() != StatusPolling && w.Deadline().Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

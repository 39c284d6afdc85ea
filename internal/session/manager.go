package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
)

// DefaultGlobalConnectionCap bounds the number of concurrently registered
// sessions across the whole process (spec §4.5, default 256).
const DefaultGlobalConnectionCap = 256

// Manager owns the registry of live sessions, enforces the global
// connection cap atomically with registration, and supports topic-based
// broadcast — the session-engine analogue of QNTXServer's client map and
// broadcast worker.
type Manager struct {
	connCap int
	log     *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Manager with the given connection cap (<=0 uses
// the spec default).
func NewManager(connCap int, log *zap.SugaredLogger) *Manager {
	if connCap <= 0 {
		connCap = DefaultGlobalConnectionCap
	}
	return &Manager{
		connCap:  connCap,
		log:      logging.Component(log, "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Register atomically checks the global cap and adds s, wiring its
// onClose callback to self-unregister. Returns ClusterUnavailable-kinded
// error if the cap is already reached.
func (m *Manager) Register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.connCap {
		return ierrors.WithKind(ierrors.Newf("global connection cap (%d) reached", m.connCap), ierrors.KindClusterUnavailable)
	}

	s.SetOnClose(m.unregister)
	m.sessions[s.ID] = s
	return nil
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
}

// Count returns the number of currently registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Broadcast delivers msg to every session subscribed to topic via a
// best-effort, non-blocking send (spec §4.5).
func (m *Manager) Broadcast(topic string, msg interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if !s.HasTopic(topic) {
			continue
		}
		if !s.TrySend(msg) {
			m.log.Debugw("broadcast dropped, session send buffer full", "session_id", s.ID, "topic", topic)
		}
	}
}

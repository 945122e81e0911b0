package relay

import (
	"sync"

	"github.com/rs/zerolog"
)

// Relay is the lifecycle surface the Manager drives.
type Relay interface {
	Start() error
	Stop() error
	URL() string
}

// Manager shares one relay between sessions. The relay starts on the first
// Acquire and stops when the last reference is released. A single mutex guards
// the count together with the start and stop calls.
type Manager struct {
	relay Relay
	log   zerolog.Logger

	mu   sync.Mutex
	refs int
}

// NewManager wraps relay in a reference counter.
func NewManager(relay Relay, log zerolog.Logger) *Manager {
	return &Manager{
		relay: relay,
		log:   log.With().Str("component", "relay-manager").Logger(),
	}
}

// Acquire takes a reference and returns the proxy URL. If the relay cannot be
// started the count stays at zero and the error is returned; callers should
// continue without a proxy.
func (m *Manager) Acquire() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		if err := m.relay.Start(); err != nil {
			m.log.Error().Err(err).Msg("relay failed to start")
			return "", err
		}
	}
	m.refs++
	m.log.Debug().Int("refs", m.refs).Msg("relay acquired")
	return m.relay.URL(), nil
}

// Release drops a reference and stops the relay when none remain. Extra
// releases are ignored.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		m.log.Warn().Msg("relay released more times than acquired")
		return
	}
	m.refs--
	m.log.Debug().Int("refs", m.refs).Msg("relay released")
	if m.refs == 0 {
		if err := m.relay.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("relay stop failed")
		}
	}
}

// ForceStop stops the relay regardless of outstanding references.
func (m *Manager) ForceStop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs = 0
	if err := m.relay.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("relay stop failed")
	}
}

// Refs returns the current reference count.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

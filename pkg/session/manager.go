package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/log"
	"github.com/aico-ai/gateway/pkg/metrics"
)

// Manager owns the channel map: client_id to live channel. The transport
// middleware is the single writer; entries are immutable once stored, so
// readers are safe during request handling.
type Manager struct {
	identity *IdentityManager

	mu       sync.RWMutex
	channels map[string]*Channel

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	logger        zerolog.Logger
}

// NewManager creates a channel manager around the identity manager.
func NewManager(identity *IdentityManager, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Manager{
		identity:      identity,
		channels:      make(map[string]*Channel),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("session"),
	}
}

// Identity exposes the identity manager for handshake processing.
func (m *Manager) Identity() *IdentityManager {
	return m.identity
}

// Establish runs the handshake and atomically replaces any previous channel
// for the client. The superseded channel is immediately invalid for
// incoming requests.
func (m *Manager) Establish(req *HandshakeRequest, derivedClientID string) (string, *HandshakeResponse, error) {
	clientID, resp, channel, err := m.identity.ProcessHandshake(req, derivedClientID)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("failed").Inc()
		return "", nil, err
	}

	m.mu.Lock()
	_, replaced := m.channels[clientID]
	m.channels[clientID] = channel
	total := len(m.channels)
	m.mu.Unlock()

	metrics.HandshakesTotal.WithLabelValues("established").Inc()
	metrics.ActiveSessions.Set(float64(total))

	m.logger.Info().
		Str("client_id", clientID).
		Str("client", req.Component).
		Bool("replaced", replaced).
		Msg("session established")

	return clientID, resp, nil
}

// Get returns the live channel for a client, or nil when absent or
// expired.
func (m *Manager) Get(clientID string) *Channel {
	m.mu.RLock()
	channel := m.channels[clientID]
	m.mu.RUnlock()

	if channel == nil || !channel.Valid() {
		return nil
	}
	return channel
}

// Evict removes a client's channel.
func (m *Manager) Evict(clientID string) {
	m.mu.Lock()
	delete(m.channels, clientID)
	total := len(m.channels)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(total))
}

// Count returns the number of stored channels, valid or not.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// StartSweeper launches the periodic eviction of invalid channels.
func (m *Manager) StartSweeper() {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Sweep removes channels that are no longer valid and returns how many
// were evicted.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	evicted := 0
	for clientID, channel := range m.channels {
		if !channel.Valid() {
			delete(m.channels, clientID)
			evicted++
		}
	}
	total := len(m.channels)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(total))
	if evicted > 0 {
		m.logger.Debug().Int("evicted", evicted).Msg("session sweep")
	}
	return evicted
}

// Stop terminates the sweeper and clears the channel map.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(0)
}

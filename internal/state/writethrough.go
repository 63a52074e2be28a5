package state

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// SubscriptionChecker reports whether clientID is currently subscribed to
// hubAgentID (spec §4.6 "per-client subscribedAgents sets"). Implemented by
// internal/relay.Broker.
type SubscriptionChecker interface {
	IsSubscribed(clientID, hubAgentID string) bool
}

// Manager owns one Store per hub agent and mediates remote write-through.
type Manager struct {
	mu     sync.Mutex
	stores map[string]*Store
	limits Limits
	check  SubscriptionChecker
	logger *slog.Logger
}

// NewManager creates a state Manager. check may be nil, in which case every
// remote write-through is rejected (fail closed).
func NewManager(check SubscriptionChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		stores: make(map[string]*Store),
		limits: DefaultLimits,
		check:  check,
		logger: logger.With("component", "state-manager"),
	}
}

// StoreFor returns (creating if necessary) the Store for hubAgentID.
func (m *Manager) StoreFor(hubAgentID string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[hubAgentID]
	if !ok {
		s = New(hubAgentID, m.limits, m.logger)
		m.stores[hubAgentID] = s
	}
	return s
}

// Release drops a hub agent's store (e.g. on agent teardown).
func (m *Manager) Release(hubAgentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, hubAgentID)
}

// WriteThroughAction mirrors the state_write_through message's action field.
type WriteThroughAction string

const (
	WriteThroughSet    WriteThroughAction = "set"
	WriteThroughDelete WriteThroughAction = "delete"
)

// WriteThrough applies a remote state_write_through message (spec §4.12,
// §6), honoring it only when clientID is subscribed to hubAgentID; otherwise
// it is silently ignored, per spec §7 "Hub auth."
func (m *Manager) WriteThrough(clientID, hubAgentID, key string, value json.RawMessage, action WriteThroughAction) {
	if m.check == nil || !m.check.IsSubscribed(clientID, hubAgentID) {
		m.logger.Debug("state write-through ignored: not subscribed", "client", clientID, "hubAgent", hubAgentID)
		return
	}

	store := m.StoreFor(hubAgentID)
	switch action {
	case WriteThroughDelete:
		store.Delete(key)
	default:
		var v any
		if len(value) > 0 {
			_ = json.Unmarshal(value, &v)
		}
		if err := store.Set(key, v); err != nil {
			m.logger.Warn("state write-through rejected", "client", clientID, "hubAgent", hubAgentID, "key", key, "error", err)
		}
	}
}

// Package state implements the agent-visible reactive key/value store and its
// remote write-through authorization (spec §4.12).
package state

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flomonster/sentryhub/internal/cron"
)

// Action identifies the kind of mutation that produced a notification.
type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
)

// Observer is notified after every mutation of a Store.
type Observer func(key string, value any, action Action)

// EscalationRule fires a user-visible event to the agent when a stored value
// matches Condition (spec §3 "Escalation rule"). Condition is evaluated the
// same way the scheduler's event-condition grammar is (§4.9): always,
// changed, or a single comparison against a literal.
type EscalationRule struct {
	Key       string
	Condition string
	Message   string
}

// Limits bounds a single agent's store (spec §4.12).
type Limits struct {
	MaxKeys      int
	MaxValueSize int
	MaxTotalSize int
}

// DefaultLimits mirrors the base tree's conservative defaults for in-memory
// per-agent state.
var DefaultLimits = Limits{
	MaxKeys:      256,
	MaxValueSize: 64 * 1024,
	MaxTotalSize: 2 * 1024 * 1024,
}

// Store is one agent's in-memory reactive key/value map.
type Store struct {
	mu     sync.RWMutex
	agentID string
	values map[string]any
	sizes  map[string]int
	total  int

	limits    Limits
	observers []Observer
	rules     []EscalationRule
	lastValue map[string]any
	onEscalate EscalationNotifier

	logger *slog.Logger
}

// New creates a Store for one agent.
func New(agentID string, limits Limits, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		agentID:   agentID,
		values:    make(map[string]any),
		sizes:     make(map[string]int),
		lastValue: make(map[string]any),
		limits:    limits,
		logger:    logger.With("component", "state-store", "agent", agentID),
	}
}

// Observe registers an observer notified on every mutation.
func (s *Store) Observe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// AddEscalationRule registers a declarative escalation rule.
func (s *Store) AddEscalationRule(rule EscalationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

func approxSize(v any) int {
	return len(fmt.Sprintf("%v", v))
}

// Set stores value under key, enforcing maxKeys/maxValueSize/maxTotalSize.
// Returns an error if any bound would be exceeded.
func (s *Store) Set(key string, value any) error {
	size := approxSize(value)
	if s.limits.MaxValueSize > 0 && size > s.limits.MaxValueSize {
		return fmt.Errorf("state: value for %q exceeds max value size (%d > %d)", key, size, s.limits.MaxValueSize)
	}

	s.mu.Lock()
	oldSize, existed := s.sizes[key]
	newTotal := s.total - oldSize + size
	if s.limits.MaxTotalSize > 0 && newTotal > s.limits.MaxTotalSize {
		s.mu.Unlock()
		return fmt.Errorf("state: total size would exceed limit (%d > %d)", newTotal, s.limits.MaxTotalSize)
	}
	if !existed && s.limits.MaxKeys > 0 && len(s.values) >= s.limits.MaxKeys {
		s.mu.Unlock()
		return fmt.Errorf("state: max keys (%d) reached", s.limits.MaxKeys)
	}

	s.values[key] = value
	s.sizes[key] = size
	s.total = newTotal
	observers := append([]Observer(nil), s.observers...)
	rules := s.rules
	prev := s.lastValue[key]
	s.lastValue[key] = value
	s.mu.Unlock()

	for _, obs := range observers {
		obs(key, value, ActionSet)
	}
	s.checkEscalations(key, value, prev, rules)
	return nil
}

// Get reads a stored value.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Delete removes key, notifying observers.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	size, ok := s.sizes[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.values, key)
	delete(s.sizes, key)
	s.total -= size
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(key, nil, ActionDelete)
	}
}

// Snapshot returns a flat copy of every stored key/value (spec: "Serialization
// is a flat copy").
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Restore replaces the store's contents from a flat snapshot (e.g. a
// HubAgentSession.Storage payload), bypassing limit checks since it is
// already-accepted persisted state.
func (s *Store) Restore(snapshot map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(snapshot))
	s.sizes = make(map[string]int, len(snapshot))
	s.total = 0
	for k, v := range snapshot {
		size := approxSize(v)
		s.values[k] = v
		s.sizes[k] = size
		s.total += size
	}
}

// EscalationNotifier receives a user-visible escalation event. Wired by the
// owning container/hub runner to queue it to the agent.
type EscalationNotifier func(message string)

func (s *Store) checkEscalations(key string, value, prev any, rules []EscalationRule) {
	for _, rule := range rules {
		if rule.Key != key {
			continue
		}
		if !evalCondition(rule.Condition, value, prev) {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("state %q changed to %v", key, value)
		}
		s.logger.Info("escalation rule fired", "key", key, "condition", rule.Condition)
		if s.onEscalate != nil {
			s.onEscalate(msg)
		}
	}
}

// onEscalate, set via SetEscalationNotifier, is invoked for every fired rule.
func (s *Store) SetEscalationNotifier(fn EscalationNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEscalate = fn
}

// evalCondition reuses the scheduler's restricted eventCondition grammar
// (spec §4.9) since spec §4.12's escalation condition is specified against
// the same always/changed/comparison vocabulary.
func evalCondition(condition string, value, prev any) bool {
	return cron.EvalEventCondition(condition, value, prev)
}

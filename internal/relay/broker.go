// Package relay implements the shell message relay: the central broker that
// routes every agent request to the correct handler (local shell, hub,
// plugin), enforces per-client hub subscription authorization, tracks
// pending responses with timeouts, and runs the hook decision pipeline
// (spec §4.6).
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flomonster/sentryhub/internal/hooks"
)

// DefaultToolTimeout is the per-dispatch timeout for shell-routed tool
// requests (spec §4.4/§5).
const DefaultToolTimeout = 60 * time.Second

// pendingEntry is one outstanding request awaiting a response (spec §3
// "Pending request table").
type pendingEntry struct {
	resolve chan Response
	timer   *time.Timer
	kind    string
}

// Response is the result delivered back to a pending dispatch.
type Response struct {
	Result  []byte
	IsError bool
	Err     error
}

// AgentHandle is the subset of an agent container the broker needs to
// deliver inbound messages to. Implemented by internal/container.Container.
type AgentHandle interface {
	AgentID() string
	Deliver(msgType string, payload []byte)
}

// Broker is the single shell-side message relay instance.
type Broker struct {
	mu      sync.Mutex
	agents  map[string]AgentHandle
	pending map[string]*pendingEntry

	// subscribedAgents maps clientID -> set of hubAgentIDs it is authorized
	// to receive/propose updates for (spec §4.6 "Authorization").
	subscribedAgents map[string]map[string]struct{}

	plugins *PluginRegistry
	hooks   *hooks.Pipeline
	logger  *slog.Logger

	storageInit map[string]struct{}
}

// New creates an empty Broker.
func New(pipeline *hooks.Pipeline, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		agents:           make(map[string]AgentHandle),
		pending:          make(map[string]*pendingEntry),
		subscribedAgents: make(map[string]map[string]struct{}),
		plugins:          NewPluginRegistry(),
		hooks:            pipeline,
		logger:           logger.With("component", "shell-relay"),
		storageInit:      make(map[string]struct{}),
	}
}

// Plugins returns the broker's plugin registry.
func (b *Broker) Plugins() *PluginRegistry { return b.plugins }

// Hooks returns the broker's hook pipeline.
func (b *Broker) Hooks() *hooks.Pipeline { return b.hooks }

// RegisterAgent attaches an agent handle and idempotently initializes its
// storage, unless restored (spec §4.6 "Storage init").
func (b *Broker) RegisterAgent(agent AgentHandle, restored bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agent.AgentID()] = agent
	if !restored {
		if _, done := b.storageInit[agent.AgentID()]; !done {
			b.storageInit[agent.AgentID()] = struct{}{}
		}
	} else {
		b.storageInit[agent.AgentID()] = struct{}{}
	}
}

// UnregisterAgent detaches an agent and rejects any pending responses owned
// by it with an error (spec §4.6 "Registration").
func (b *Broker) UnregisterAgent(agentID string) {
	b.mu.Lock()
	delete(b.agents, agentID)
	var toReject []*pendingEntry
	for id, entry := range b.pending {
		if ownedBy(id, agentID) {
			toReject = append(toReject, entry)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, entry := range toReject {
		entry.reject(fmt.Errorf("relay: agent %s unregistered", agentID))
	}
}

// ownedBy reports whether a pending request id was issued by agentID. Ids
// are namespaced "<agentID>:<seq>" by NewRequestID.
func ownedBy(requestID, agentID string) bool {
	prefix := agentID + ":"
	return len(requestID) > len(prefix) && requestID[:len(prefix)] == prefix
}

var requestSeq uint64
var requestSeqMu sync.Mutex

// NewRequestID mints a monotonic per-agent request id.
func NewRequestID(agentID string) string {
	requestSeqMu.Lock()
	requestSeq++
	seq := requestSeq
	requestSeqMu.Unlock()
	return fmt.Sprintf("%s:%d", agentID, seq)
}

// Dispatch registers a pending entry for requestID and returns a channel
// that resolves when Resolve/Reject is called or after timeout (spec §4.4
// "Every dispatch registers a {id -> {resolve, reject, timer}} entry").
// Timeout resolves (never rejects) into a typed failure so the loop
// receives a result rather than hanging (spec §5 "Timeouts").
func (b *Broker) Dispatch(ctx context.Context, requestID, kind string, timeout time.Duration) <-chan Response {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	ch := make(chan Response, 1)
	entry := &pendingEntry{resolve: ch, kind: kind}

	b.mu.Lock()
	b.pending[requestID] = entry
	b.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		_, still := b.pending[requestID]
		delete(b.pending, requestID)
		b.mu.Unlock()
		if still {
			b.logger.Warn("dispatch timed out", "id", requestID, "kind", kind, "timeout", timeout)
			ch <- Response{IsError: true, Err: fmt.Errorf("%s timed out after %s", kind, timeout)}
		}
	})

	return ch
}

// Resolve delivers a successful response to a pending dispatch.
func (b *Broker) Resolve(requestID string, result []byte, isError bool) {
	b.complete(requestID, Response{Result: result, IsError: isError})
}

// Reject delivers a failure to a pending dispatch.
func (b *Broker) Reject(requestID string, err error) {
	entry := b.takePending(requestID)
	if entry == nil {
		return
	}
	entry.reject(err)
}

func (b *Broker) complete(requestID string, resp Response) {
	entry := b.takePending(requestID)
	if entry == nil {
		return
	}
	entry.resolve <- resp
}

func (b *Broker) takePending(requestID string) *pendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[requestID]
	if !ok {
		return nil
	}
	delete(b.pending, requestID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}

func (e *pendingEntry) reject(err error) {
	e.resolve <- Response{IsError: true, Err: err}
}

// Subscribe records that clientID is authorized to touch hubAgentID (spec
// §4.6/§6 "subscribe_agent"; also implements state.SubscriptionChecker).
func (b *Broker) Subscribe(clientID, hubAgentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribedAgents[clientID]
	if !ok {
		set = make(map[string]struct{})
		b.subscribedAgents[clientID] = set
	}
	set[hubAgentID] = struct{}{}
}

// Unsubscribe revokes a client's authorization for hubAgentID.
func (b *Broker) Unsubscribe(clientID, hubAgentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribedAgents[clientID]; ok {
		delete(set, hubAgentID)
	}
}

// IsSubscribed implements state.SubscriptionChecker and is used to gate
// dom_state_update / state_write_through / restore_agent (spec §4.6).
func (b *Broker) IsSubscribed(clientID, hubAgentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribedAgents[clientID]
	if !ok {
		return false
	}
	_, ok = set[hubAgentID]
	return ok
}

// SubscribersOf returns every clientID currently subscribed to hubAgentID,
// for broadcast fan-out.
func (b *Broker) SubscribersOf(hubAgentID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for clientID, set := range b.subscribedAgents {
		if _, ok := set[hubAgentID]; ok {
			out = append(out, clientID)
		}
	}
	return out
}

// DeliverToAgent forwards a message to a registered agent handle.
func (b *Broker) DeliverToAgent(agentID, msgType string, payload []byte) error {
	b.mu.Lock()
	agent, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: agent %s not registered", agentID)
	}
	agent.Deliver(msgType, payload)
	return nil
}

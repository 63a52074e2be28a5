// Package hub implements the server-side mirror of the agent runner: the
// hub agent's authoritative DOM state, storage, and conversation history,
// hub-local tool execution, browser-only tool proxying, and event fan-out
// to subscribed clients (spec §4.8).
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flomonster/sentryhub/internal/state"
	"github.com/flomonster/sentryhub/pkg/models"
)

// HubTool executes inline, server-side (spec §4.8 "hub-native tools run
// inline").
type HubTool interface {
	Name() string
	Execute(ctx context.Context, agentID string, input json.RawMessage) (content string, isError bool, err error)
}

// BrowserToolRouter dispatches a browser-only tool call to a subscribed
// browser client and waits for its result, or reports that none is
// available. Implemented against internal/relay.Broker.
type BrowserToolRouter interface {
	// RouteToBrowser returns ok=false when no eligible browser client is
	// subscribed to hubAgentID.
	RouteToBrowser(ctx context.Context, hubAgentID, tool string, input json.RawMessage) (content string, isError bool, ok bool, err error)
}

// Agent is one hub-resident agent's runtime state.
type Agent struct {
	mu sync.Mutex

	ID     string
	Config models.AgentConfig

	Conversation []models.ConvMessage
	state        models.AgentPhase
	busy         bool

	DOMState map[string]any

	CreatedAt    time.Time
	LastActivity time.Time
	TotalTokens  int
	TotalCost    float64

	store *state.Store
}

// browserOnlyTools names tools that require a browser client (spec §4.8).
var browserOnlyTools = map[string]struct{}{
	"dom":        {},
	"view_state": {},
	"runjs":      {}, // only when context:iframe; local-context runjs is hub-native
}

// EventListener receives hub runner lifecycle + canonical agent events for
// fan-out (spec §4.8 "Event fan-out").
type EventListener func(hubAgentID string, eventType string, payload any)

// NotifyPush is invoked on a notify_user event so the caller can trigger
// push delivery (spec §4.8 item 3, §4.10).
type NotifyPush func(hubAgentID, message string)

// Runner owns every hub-resident agent. It satisfies cron.HubRunner.
type Runner struct {
	mu     sync.Mutex
	agents map[string]*Agent

	tools   map[string]HubTool
	browser BrowserToolRouter
	states  *state.Manager

	listeners  []EventListener
	notifyPush NotifyPush

	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBrowserToolRouter sets the browser-only tool proxy.
func WithBrowserToolRouter(r BrowserToolRouter) Option {
	return func(rn *Runner) { rn.browser = r }
}

// WithStateManager attaches the shared state.Manager.
func WithStateManager(m *state.Manager) Option { return func(rn *Runner) { rn.states = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(rn *Runner) { rn.logger = l } }

// WithNotifyPush sets the notify_user -> push bridge.
func WithNotifyPush(fn NotifyPush) Option { return func(rn *Runner) { rn.notifyPush = fn } }

// NewRunner creates an empty hub Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		agents: make(map[string]*Agent),
		tools:  make(map[string]HubTool),
		logger: slog.Default().With("component", "hub-runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterTool adds a hub-native tool.
func (r *Runner) RegisterTool(tool HubTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// AddListener registers an event fan-out listener.
func (r *Runner) AddListener(l EventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Runner) emit(hubAgentID, eventType string, payload any) {
	r.mu.Lock()
	listeners := append([]EventListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l(hubAgentID, eventType, payload)
	}
}

// newHubAgentID mints an id of the form hub-<localId>-<timestamp> (spec §3).
func newHubAgentID(localID string) string {
	return fmt.Sprintf("hub-%s-%d", localID, time.Now().UnixNano())
}

// Persist creates a new hub agent from a config + optional prior session,
// returning its hub agent id.
func (r *Runner) Persist(config models.AgentConfig, prior *models.HubAgentSession) (string, error) {
	localID := config.ID
	if localID == "" {
		localID = uuid.New().String()
	}
	hubAgentID := newHubAgentID(localID)

	agent := &Agent{
		ID:           hubAgentID,
		Config:       config,
		state:        models.PhasePending,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		DOMState:     make(map[string]any),
	}
	if prior != nil {
		agent.Conversation = prior.Conversation
		agent.TotalTokens = prior.TotalTokens
		agent.TotalCost = prior.TotalCost
		if prior.DOMState != nil {
			agent.DOMState = prior.DOMState
		}
	}

	if r.states != nil {
		agent.store = r.states.StoreFor(hubAgentID)
		if prior != nil && prior.Storage != nil {
			agent.store.Restore(prior.Storage)
		}
	}

	r.mu.Lock()
	r.agents[hubAgentID] = agent
	r.mu.Unlock()

	agent.mu.Lock()
	agent.state = models.PhaseRunning
	agent.mu.Unlock()

	r.emit(hubAgentID, "persisted", nil)
	return hubAgentID, nil
}

// Get returns the agent for hubAgentID.
func (r *Runner) Get(hubAgentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[hubAgentID]
	return a, ok
}

// Exists implements cron.HubRunner.
func (r *Runner) Exists(hubAgentID string) bool {
	_, ok := r.Get(hubAgentID)
	return ok
}

// IsRunning implements cron.HubRunner.
func (r *Runner) IsRunning(hubAgentID string) bool {
	a, ok := r.Get(hubAgentID)
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == models.PhaseRunning
}

// IsBusy implements cron.HubRunner.
func (r *Runner) IsBusy(hubAgentID string) bool {
	a, ok := r.Get(hubAgentID)
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// SetBusy marks an agent busy/idle, e.g. around loop execution.
func (r *Runner) SetBusy(hubAgentID string, busy bool) {
	a, ok := r.Get(hubAgentID)
	if !ok {
		return
	}
	a.mu.Lock()
	a.busy = busy
	a.LastActivity = time.Now()
	a.mu.Unlock()
}

// SendMessage implements cron.HubRunner by queuing a user message onto the
// agent's conversation and emitting a fan-out event for the loop/container
// to pick up.
func (r *Runner) SendMessage(ctx context.Context, hubAgentID, content string) error {
	a, ok := r.Get(hubAgentID)
	if !ok {
		return fmt.Errorf("hub: agent %s not found", hubAgentID)
	}
	a.mu.Lock()
	if a.state != models.PhaseRunning {
		a.mu.Unlock()
		return fmt.Errorf("hub: agent %s not running", hubAgentID)
	}
	a.Conversation = append(a.Conversation, models.ConvMessage{
		Role:    models.RoleUser,
		Content: []models.Block{{Type: models.BlockText, Text: content}},
	})
	a.LastActivity = time.Now()
	a.mu.Unlock()

	r.emit(hubAgentID, "user_message", content)
	return nil
}

// ExecuteToolForAgent implements cron.HubRunner: dispatches tool against the
// hub-native registry first, then the browser-tool router, partitioning per
// spec §4.8 item 1. A browser-only tool with no subscribed client degrades
// to a typed error result rather than blocking (spec §9 Open Question,
// resolved in DESIGN.md).
func (r *Runner) ExecuteToolForAgent(ctx context.Context, hubAgentID, tool string, input json.RawMessage) (string, bool, error) {
	r.mu.Lock()
	t, isHubNative := r.tools[tool]
	r.mu.Unlock()

	if isHubNative {
		content, isError, err := t.Execute(ctx, hubAgentID, input)
		return content, isError, err
	}

	if _, browserOnly := browserOnlyTools[tool]; browserOnly {
		return r.executeBrowserOnly(ctx, hubAgentID, tool, input)
	}

	return "", true, fmt.Errorf("hub: unknown tool %q", tool)
}

func (r *Runner) executeBrowserOnly(ctx context.Context, hubAgentID, tool string, input json.RawMessage) (string, bool, error) {
	if r.browser == nil {
		return fmt.Sprintf("browser-only tool %q: no browser router configured", tool), true, nil
	}
	content, isError, ok, err := r.browser.RouteToBrowser(ctx, hubAgentID, tool, input)
	if !ok {
		return fmt.Sprintf("browser-only tool %q: no subscribed browser client", tool), true, nil
	}
	return content, isError, err
}

// UpdateDOMState applies an authoritative DOM update from a subscribed
// browser client and returns the new state for broadcast to the other
// subscribers (spec §4.8 item 2, last-writer-wins by capturedAt).
func (r *Runner) UpdateDOMState(hubAgentID string, domState map[string]any) error {
	a, ok := r.Get(hubAgentID)
	if !ok {
		return fmt.Errorf("hub: agent %s not found", hubAgentID)
	}
	a.mu.Lock()
	a.DOMState = domState
	a.mu.Unlock()
	r.emit(hubAgentID, "dom_state_update", domState)
	return nil
}

// NotifyUser forwards a notify_user event to the push bridge (spec §4.8
// item 3).
func (r *Runner) NotifyUser(hubAgentID, message string) {
	r.emit(hubAgentID, "notify_user", message)
	if r.notifyPush != nil {
		r.notifyPush(hubAgentID, message)
	}
}

// Snapshot serializes the hub agent to a HubAgentSession (spec §3).
func (r *Runner) Snapshot(hubAgentID string) (*models.HubAgentSession, error) {
	a, ok := r.Get(hubAgentID)
	if !ok {
		return nil, fmt.Errorf("hub: agent %s not found", hubAgentID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var storage map[string]any
	if a.store != nil {
		storage = a.store.Snapshot()
	}

	return &models.HubAgentSession{
		Version:      1,
		AgentID:      a.ID,
		Config:       a.Config,
		Conversation: a.Conversation,
		Storage:      storage,
		CreatedAt:    a.CreatedAt,
		SerializedAt: time.Now(),
		TotalTokens:  a.TotalTokens,
		TotalCost:    a.TotalCost,
		DOMState:     a.DOMState,
	}, nil
}

// ListSummaries returns the list_hub_agents response payload (spec §6).
type Summary struct {
	HubAgentID   string    `json:"hubAgentId"`
	AgentName    string    `json:"agentName"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	Busy         bool      `json:"busy"`
	TotalCost    float64   `json:"totalCost"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// ListSummaries returns a summary of every hub agent.
func (r *Runner) ListSummaries() []Summary {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(agents))
	for _, a := range agents {
		a.mu.Lock()
		out = append(out, Summary{
			HubAgentID:   a.ID,
			AgentName:    a.Config.Name,
			Model:        a.Config.Model,
			Provider:     a.Config.Provider,
			State:        string(a.state),
			Busy:         a.busy,
			TotalCost:    a.TotalCost,
			CreatedAt:    a.CreatedAt,
			LastActivity: a.LastActivity,
		})
		a.mu.Unlock()
	}
	return out
}

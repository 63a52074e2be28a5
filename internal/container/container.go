// Package container implements the shell-side agent container: the
// lifecycle of one agent's state machine, iframe+worker creation, DOM-state
// capture for restore, event fan-out, and hub-event binding (spec §4.7).
package container

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flomonster/sentryhub/pkg/models"
)

// Worker is the shell's handle to the agent's sandboxed worker (§4.3). The
// container owns this handle's lifecycle; its actual execution substrate
// (an iframe-hosted worker, a headless hub runner, ...) is external.
type Worker interface {
	// Send delivers an inbound message to the worker (start, pause, resume,
	// stop_agent, user_message, config_update, stream/tool/hook result
	// messages, DOM/page events).
	Send(msgType string, payload []byte)
	// Terminate tears the worker down, e.g. on kill/restart.
	Terminate()
}

// WorkerFactory creates a fresh Worker for a container, e.g. on initial
// start or restart.
type WorkerFactory func(config models.AgentConfig) (Worker, error)

// Observer is notified on every state transition.
type Observer func(agentID string, from, to models.AgentPhase)

// HubBinding describes a container mirrored to a hub-persisted agent (spec
// §3 "Saved agent state" hubPersistInfo, §4.7 "Hub-linked containers").
type HubBinding struct {
	HubAgentID string
	Subscribed bool
}

// Container is the shell-side handle for one agent's lifecycle, state, and
// view.
type Container struct {
	mu sync.Mutex

	id      string
	config  models.AgentConfig
	phase   models.AgentPhase
	worker  Worker
	factory WorkerFactory

	wasActive      bool
	accumulatedCost float64

	domSnapshot     map[string]any
	customSrcdoc    string
	captureDebounce time.Duration
	captureTimer    *time.Timer

	hub *HubBinding

	observers []Observer
	logger    *slog.Logger
}

// Option configures a Container.
type Option func(*Container)

// WithCaptureDebounce overrides the DOM-mutation capture debounce interval.
func WithCaptureDebounce(d time.Duration) Option {
	return func(c *Container) { c.captureDebounce = d }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Container) { c.logger = l } }

// New creates a Container in the pending state. The worker is not created
// until Start is called.
func New(config models.AgentConfig, factory WorkerFactory, opts ...Option) *Container {
	c := &Container{
		id:              config.ID,
		config:          config,
		phase:           models.PhasePending,
		factory:         factory,
		captureDebounce: 500 * time.Millisecond,
		logger:          slog.Default().With("component", "agent-container", "agent", config.ID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AgentID implements relay.AgentHandle.
func (c *Container) AgentID() string { return c.id }

// Deliver implements relay.AgentHandle by forwarding to the worker.
func (c *Container) Deliver(msgType string, payload []byte) {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.Send(msgType, payload)
	}
}

// Phase returns the current state.
func (c *Container) Phase() models.AgentPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Config returns a copy of the owned agent config.
func (c *Container) Config() models.AgentConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// UpdateConfig mutates the config via an explicit update operation (spec §3
// "Owned exclusively by the container; mutated only via an explicit update
// operation") and hot-updates the running worker.
func (c *Container) UpdateConfig(mutate func(*models.AgentConfig)) {
	c.mu.Lock()
	mutate(&c.config)
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.Send("config_update", nil)
	}
}

// Observe registers a state-transition observer.
func (c *Container) Observe(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

func (c *Container) transition(to models.AgentPhase) {
	c.mu.Lock()
	from := c.phase
	c.phase = to
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	for _, obs := range observers {
		obs(c.id, from, to)
	}
}

// Start creates the worker (if not already present) and transitions
// pending -> running.
func (c *Container) Start() error {
	c.mu.Lock()
	phase := c.phase
	cfg := c.config
	c.mu.Unlock()

	if phase != models.PhasePending {
		return fmt.Errorf("container: cannot start from phase %q", phase)
	}

	worker, err := c.factory(cfg)
	if err != nil {
		return fmt.Errorf("container: create worker: %w", err)
	}

	c.mu.Lock()
	c.worker = worker
	c.mu.Unlock()

	worker.Send("start", nil)
	c.transition(models.PhaseRunning)
	return nil
}

// Pause cooperatively suspends the loop.
func (c *Container) Pause() error {
	c.mu.Lock()
	phase := c.phase
	w := c.worker
	c.mu.Unlock()
	if phase != models.PhaseRunning {
		return fmt.Errorf("container: cannot pause from phase %q", phase)
	}
	if w != nil {
		w.Send("pause", nil)
	}
	c.transition(models.PhasePaused)
	return nil
}

// Resume resumes a paused loop.
func (c *Container) Resume() error {
	c.mu.Lock()
	phase := c.phase
	w := c.worker
	c.mu.Unlock()
	if phase != models.PhasePaused {
		return fmt.Errorf("container: cannot resume from phase %q", phase)
	}
	if w != nil {
		w.Send("resume", nil)
	}
	c.transition(models.PhaseRunning)
	return nil
}

// Stop soft-cancels the loop; resumable via Restart.
func (c *Container) Stop() error {
	c.mu.Lock()
	phase := c.phase
	w := c.worker
	c.mu.Unlock()
	if phase.Terminal() {
		return fmt.Errorf("container: cannot stop from terminal phase %q", phase)
	}
	if w != nil {
		w.Send("stop_agent", nil)
	}
	c.transition(models.PhaseStopped)
	return nil
}

// Kill transitions to the terminal killed state. The row stays in the
// manager until Close (spec §4.7 "kill is terminal-but-retained").
func (c *Container) Kill() {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.Terminate()
	}
	c.transition(models.PhaseKilled)
}

// Restart recreates the worker and returns to pending (spec §3 "resumable
// from stopped via restart (returns to pending)").
func (c *Container) Restart() error {
	c.mu.Lock()
	phase := c.phase
	oldWorker := c.worker
	c.mu.Unlock()
	if phase != models.PhaseStopped {
		return fmt.Errorf("container: cannot restart from phase %q", phase)
	}
	if oldWorker != nil {
		oldWorker.Terminate()
	}
	c.mu.Lock()
	c.worker = nil
	c.mu.Unlock()
	c.transition(models.PhasePending)
	return nil
}

// SendUserMessage appends user input as the next turn.
func (c *Container) SendUserMessage(content []byte) {
	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()
	if w != nil {
		w.Send("user_message", content)
	}
}

// CaptureDOM records a debounced DOM-mutation snapshot for restore (spec
// §4.7 "DOM mutations are observed and debounced into capture snapshots").
func (c *Container) CaptureDOM(snapshot map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captureTimer != nil {
		c.captureTimer.Stop()
	}
	c.captureTimer = time.AfterFunc(c.captureDebounce, func() {
		c.mu.Lock()
		c.domSnapshot = snapshot
		c.mu.Unlock()
	})
}

// DOMSnapshot returns the last captured DOM state.
func (c *Container) DOMSnapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domSnapshot
}

// SetCustomSrcdoc records a template-provided initial srcdoc to restore on
// mount, alongside any captured DOM snapshot.
func (c *Container) SetCustomSrcdoc(srcdoc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customSrcdoc = srcdoc
}

// BindHub links this container to a hub-persisted agent (spec §4.7
// "Hub-linked containers mirror the hub agent id").
func (c *Container) BindHub(hubAgentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hub = &HubBinding{HubAgentID: hubAgentID, Subscribed: true}
}

// UnbindHub removes the hub linkage.
func (c *Container) UnbindHub() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hub = nil
}

// HubBinding returns the current hub linkage, if any.
func (c *Container) GetHubBinding() *HubBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hub == nil {
		return nil
	}
	b := *c.hub
	return &b
}

// Save produces the restorable snapshot described in spec §3 "Saved agent
// state": config, state, viewState is left to the caller (UI-owned),
// wasActive, and accumulated cost. Active states are coerced on the way
// back in by models.AgentPhase.CoerceOnRestore, not here (spec §7
// "Restore").
func (c *Container) Save() SavedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := SavedState{
		Config:          c.config,
		Phase:           c.phase,
		WasActive:       c.phase == models.PhaseRunning || c.phase == models.PhasePaused,
		AccumulatedCost: c.accumulatedCost,
		DOMSnapshot:     c.domSnapshot,
	}
	if c.hub != nil {
		b := *c.hub
		saved.HubPersistInfo = &b
	}
	return saved
}

// SavedState is the restorable form of a Container (spec §3).
type SavedState struct {
	Config          models.AgentConfig
	Phase           models.AgentPhase
	WasActive       bool
	AccumulatedCost float64
	DOMSnapshot     map[string]any
	HubPersistInfo  *HubBinding
}

// Restore rehydrates a Container from a SavedState, coercing any active
// phase to stopped (spec §7).
func Restore(saved SavedState, factory WorkerFactory, opts ...Option) *Container {
	c := New(saved.Config, factory, opts...)
	c.phase = saved.Phase.CoerceOnRestore()
	c.wasActive = saved.WasActive
	c.accumulatedCost = saved.AccumulatedCost
	c.domSnapshot = saved.DOMSnapshot
	c.hub = saved.HubPersistInfo
	return c
}

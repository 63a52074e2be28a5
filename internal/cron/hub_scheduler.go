package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flomonster/sentryhub/internal/observability"
	"github.com/flomonster/sentryhub/pkg/models"
)

// MaxEntriesPerAgent is the per-agent cap on scheduled entries; additions
// beyond this fail.
const MaxEntriesPerAgent = 10

// HubEntryType distinguishes a cron-triggered entry from an event-triggered one.
type HubEntryType string

const (
	HubEntryCron  HubEntryType = "cron"
	HubEntryEvent HubEntryType = "event"
)

// HubEntry is one scheduled action owned by a hub agent.
type HubEntry struct {
	ID             string
	HubAgentID     string
	Type           HubEntryType
	CronExpression string
	schedule       HubSchedule

	EventName      string
	EventCondition string
	lastEventValue any

	Message   string
	Tool      string
	ToolInput json.RawMessage

	Enabled   bool
	RunCount  int
	LastRunAt time.Time
	MaxRuns   int
	CreatedAt time.Time
}

// HubRunner is the subset of a hub agent runner the scheduler needs to
// dispatch against. Implemented by internal/hub.Runner.
type HubRunner interface {
	Exists(hubAgentID string) bool
	IsRunning(hubAgentID string) bool
	IsBusy(hubAgentID string) bool
	SendMessage(ctx context.Context, hubAgentID, content string) error
	ExecuteToolForAgent(ctx context.Context, hubAgentID, tool string, input json.RawMessage) (result string, isError bool, err error)
}

// HubSchedulerOption configures a HubScheduler.
type HubSchedulerOption func(*HubScheduler)

// WithHubSchedulerLogger sets the logger.
func WithHubSchedulerLogger(logger *slog.Logger) HubSchedulerOption {
	return func(s *HubScheduler) { s.logger = logger }
}

// WithHubSchedulerNow overrides the clock, for tests.
func WithHubSchedulerNow(now func() time.Time) HubSchedulerOption {
	return func(s *HubScheduler) { s.now = now }
}

// WithHubSchedulerTickInterval overrides the tick interval, for tests.
func WithHubSchedulerTickInterval(d time.Duration) HubSchedulerOption {
	return func(s *HubScheduler) { s.tickInterval = d }
}

// WithHubSchedulerExecutionStore attaches an execution history store.
func WithHubSchedulerExecutionStore(store ExecutionStore) HubSchedulerOption {
	return func(s *HubScheduler) { s.executions = store }
}

// WithHubSchedulerMetrics attaches dispatch instrumentation.
func WithHubSchedulerMetrics(m *observability.Metrics) HubSchedulerOption {
	return func(s *HubScheduler) { s.metrics = m }
}

// HubScheduler dispatches cron- and event-triggered entries against hub
// agent runners. One instance serves every hub agent.
type HubScheduler struct {
	mu      sync.Mutex
	entries map[string]*HubEntry
	byAgent map[string][]string // hubAgentID -> entry ids, insertion order

	runner HubRunner
	logger *slog.Logger
	now    func() time.Time

	tickInterval time.Duration
	executions   ExecutionStore
	metrics      *observability.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHubScheduler creates a scheduler dispatching against runner.
func NewHubScheduler(runner HubRunner, opts ...HubSchedulerOption) *HubScheduler {
	s := &HubScheduler{
		entries:      make(map[string]*HubEntry),
		byAgent:      make(map[string][]string),
		runner:       runner,
		logger:       slog.Default().With("component", "hub-scheduler"),
		now:          time.Now,
		tickInterval: time.Minute,
		executions:   NewMemoryExecutionStore(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEntry validates and registers a new scheduled entry. Exactly one of
// message or (tool,toolInput) must be set; adds beyond MaxEntriesPerAgent
// for the owning agent fail.
func (s *HubScheduler) AddEntry(entry *HubEntry) error {
	if entry.HubAgentID == "" {
		return fmt.Errorf("hubAgentId is required")
	}
	hasMessage := entry.Message != ""
	hasTool := entry.Tool != ""
	if hasMessage == hasTool {
		return fmt.Errorf("exactly one of message or (tool,toolInput) must be set")
	}

	switch entry.Type {
	case HubEntryCron:
		sched, err := ParseHubCron(entry.CronExpression)
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		entry.schedule = sched
	case HubEntryEvent:
		if entry.EventName == "" {
			return fmt.Errorf("eventName is required for event entries")
		}
	default:
		return fmt.Errorf("unknown entry type %q", entry.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byAgent[entry.HubAgentID]) >= MaxEntriesPerAgent {
		return fmt.Errorf("agent %s already has %d scheduled entries", entry.HubAgentID, MaxEntriesPerAgent)
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Enabled = true

	s.entries[entry.ID] = entry
	s.byAgent[entry.HubAgentID] = append(s.byAgent[entry.HubAgentID], entry.ID)
	return nil
}

// RemoveEntry deletes an entry by id.
func (s *HubScheduler) RemoveEntry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	ids := s.byAgent[entry.HubAgentID]
	for i, eid := range ids {
		if eid == id {
			s.byAgent[entry.HubAgentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Entries returns a snapshot of entries for one agent, insertion order.
func (s *HubScheduler) Entries(hubAgentID string) []HubEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byAgent[hubAgentID]
	out := make([]HubEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Serialize snapshots every entry for persistence.
func (s *HubScheduler) Serialize() []models.ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduledEntry, 0, len(s.entries))
	for _, agentIDs := range s.byAgent {
		for _, id := range agentIDs {
			e, ok := s.entries[id]
			if !ok {
				continue
			}
			out = append(out, models.ScheduledEntry{
				ID:             e.ID,
				HubAgentID:     e.HubAgentID,
				Type:           string(e.Type),
				CronExpression: e.CronExpression,
				EventName:      e.EventName,
				EventCondition: e.EventCondition,
				Message:        e.Message,
				Tool:           e.Tool,
				ToolInput:      e.ToolInput,
				Enabled:        e.Enabled,
				RunCount:       e.RunCount,
				LastRunAt:      e.LastRunAt,
				MaxRuns:        e.MaxRuns,
				CreatedAt:      e.CreatedAt,
			})
		}
	}
	return out
}

// Restore reloads serialized entries, preserving run counts and enabled
// flags. Invalid entries are skipped with a warning rather than failing the
// whole restore.
func (s *HubScheduler) Restore(entries []models.ScheduledEntry) {
	for _, se := range entries {
		entry := &HubEntry{
			ID:             se.ID,
			HubAgentID:     se.HubAgentID,
			Type:           HubEntryType(se.Type),
			CronExpression: se.CronExpression,
			EventName:      se.EventName,
			EventCondition: se.EventCondition,
			Message:        se.Message,
			Tool:           se.Tool,
			ToolInput:      se.ToolInput,
			RunCount:       se.RunCount,
			LastRunAt:      se.LastRunAt,
			MaxRuns:        se.MaxRuns,
			CreatedAt:      se.CreatedAt,
		}
		if err := s.AddEntry(entry); err != nil {
			s.logger.Warn("skipping invalid restored entry", "entry", se.ID, "error", err)
			continue
		}
		if !se.Enabled {
			s.mu.Lock()
			entry.Enabled = false
			s.mu.Unlock()
		}
	}
}

// Start begins the tick loop.
func (s *HubScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunCronTick(ctx, s.now())
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *HubScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunCronTick dispatches every enabled cron entry whose fields match t.
// Exposed for tests to drive ticks deterministically via WithHubSchedulerNow.
func (s *HubScheduler) RunCronTick(ctx context.Context, t time.Time) {
	s.mu.Lock()
	due := make([]*HubEntry, 0)
	for _, e := range s.entries {
		if e.Type == HubEntryCron && e.Enabled && e.schedule.Matches(t) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.dispatch(ctx, e, nil)
	}
}

// FireEvent notifies all event-triggered entries for hubAgentID named
// name, evaluating each entry's eventCondition against value.
func (s *HubScheduler) FireEvent(ctx context.Context, name, hubAgentID string, value any) {
	s.mu.Lock()
	due := make([]*HubEntry, 0)
	for _, e := range s.entries {
		if e.Type != HubEntryEvent || !e.Enabled || e.HubAgentID != hubAgentID || e.EventName != name {
			continue
		}
		if EvalEventCondition(e.EventCondition, value, e.lastEventValue) {
			due = append(due, e)
		}
		e.lastEventValue = value
	}
	s.mu.Unlock()

	for _, e := range due {
		s.dispatch(ctx, e, value)
	}
}

func (s *HubScheduler) dispatch(ctx context.Context, e *HubEntry, eventValue any) {
	if s.runner == nil || !s.runner.Exists(e.HubAgentID) || !s.runner.IsRunning(e.HubAgentID) || s.runner.IsBusy(e.HubAgentID) {
		return
	}

	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     e.ID,
		Status:    ExecutionRunning,
		StartedAt: s.now(),
	}
	_ = s.executions.Create(ctx, exec)

	var dispatchErr error
	if e.Message != "" {
		dispatchErr = s.runner.SendMessage(ctx, e.HubAgentID, e.Message)
	} else {
		result, isError, err := s.runner.ExecuteToolForAgent(ctx, e.HubAgentID, e.Tool, e.ToolInput)
		if err != nil {
			dispatchErr = err
		} else if isError {
			dispatchErr = fmt.Errorf("%s", result)
		}
		if dispatchErr != nil {
			_ = s.runner.SendMessage(ctx, e.HubAgentID,
				fmt.Sprintf("scheduled task %q failed: %s", e.Tool, dispatchErr))
		}
	}

	exec.CompletedAt = s.now()
	exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
	if dispatchErr != nil {
		exec.Status = ExecutionFailed
		exec.Error = dispatchErr.Error()
		s.logger.Warn("scheduled entry dispatch failed", "entry", e.ID, "agent", e.HubAgentID, "error", dispatchErr)
		s.metrics.RecordCronDispatch(e.ID, "failed")
	} else {
		exec.Status = ExecutionSucceeded
		s.metrics.RecordCronDispatch(e.ID, "ok")
	}
	_ = s.executions.Update(ctx, exec)

	s.mu.Lock()
	e.RunCount++
	e.LastRunAt = s.now()
	if e.MaxRuns > 0 && e.RunCount >= e.MaxRuns {
		e.Enabled = false
	}
	s.mu.Unlock()
}

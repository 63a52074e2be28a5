package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flomonster/sentryhub/internal/agent/adapters"
	"github.com/flomonster/sentryhub/internal/artifacts"
	"github.com/flomonster/sentryhub/internal/hooks"
	"github.com/flomonster/sentryhub/internal/observability"
	"github.com/flomonster/sentryhub/internal/sse"
	"github.com/flomonster/sentryhub/pkg/models"
)

// StreamTransport issues one streaming completion request and hands raw body
// chunks to onChunk as they arrive. The loop owns SSE framing and event
// normalization; the transport only moves bytes.
type StreamTransport interface {
	Stream(ctx context.Context, spec *adapters.RequestSpec, onChunk func([]byte)) error
}

// HTTPTransport streams over net/http. BaseURL is prefixed onto the
// adapter-produced endpoint path; credentials are expected to be injected by
// the upstream proxy the base URL points at.
type HTTPTransport struct {
	Client  *http.Client
	BaseURL string
}

// Stream POSTs the request and reads the response body in chunks.
func (t *HTTPTransport) Stream(ctx context.Context, spec *adapters.RequestSpec, onChunk func([]byte)) error {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		return err
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, body)
	}
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			onChunk(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Loop is the server-side agentic loop: it mirrors the in-sandbox worker's
// per-iteration algorithm against hub-resident agents, driving a provider
// adapter over a streaming transport and dispatching tool calls through the
// runner's hub-native/browser-only partition.
type Loop struct {
	runner    *Runner
	transport StreamTransport
	hooks     *hooks.Pipeline

	maxIterations int
	logger        *slog.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	offloader     *artifacts.Offloader
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopHooks attaches the decision pipeline.
func WithLoopHooks(p *hooks.Pipeline) LoopOption { return func(l *Loop) { l.hooks = p } }

// WithLoopMaxIterations overrides the iteration cap.
func WithLoopMaxIterations(n int) LoopOption { return func(l *Loop) { l.maxIterations = n } }

// WithLoopLogger overrides the logger.
func WithLoopLogger(lg *slog.Logger) LoopOption { return func(l *Loop) { l.logger = lg } }

// WithLoopMetrics attaches the instrument set; nil leaves metrics off.
func WithLoopMetrics(m *observability.Metrics) LoopOption { return func(l *Loop) { l.metrics = m } }

// WithLoopTracer attaches span instrumentation; nil leaves tracing off.
func WithLoopTracer(t *observability.Tracer) LoopOption { return func(l *Loop) { l.tracer = t } }

// WithLoopArtifactOffloader offloads oversized tool outputs to artifact
// storage, keeping only a reference in the conversation.
func WithLoopArtifactOffloader(o *artifacts.Offloader) LoopOption {
	return func(l *Loop) { l.offloader = o }
}

// NewLoop creates a hub loop dispatching against runner over transport.
func NewLoop(runner *Runner, transport StreamTransport, opts ...LoopOption) *Loop {
	l := &Loop{
		runner:        runner,
		transport:     transport,
		maxIterations: 200,
		logger:        slog.Default().With("component", "hub-loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// turnState accumulates one streamed request's outcome.
type turnState struct {
	assistantBlocks []models.Block
	toolCalls       []models.Block
	stopReason      models.StopReason
	turnUsage       *models.Usage
	streamErr       string
}

// Run executes the agentic loop for one hub agent, starting from userMessage.
// It returns once the loop completes, errors out, or exhausts a budget; every
// canonical event is fanned out to subscribers as agent_loop_event along the
// way.
func (l *Loop) Run(ctx context.Context, hubAgentID, userMessage string) error {
	agent, ok := l.runner.Get(hubAgentID)
	if !ok {
		return fmt.Errorf("hub: agent %s not found", hubAgentID)
	}

	if result := l.decide(ctx, hooks.DecisionInput{
		Type: hooks.DecisionUserPromptSubmit, AgentID: hubAgentID, Prompt: userMessage,
	}); result.Decision == hooks.Deny {
		return fmt.Errorf("hub: prompt denied: %s", result.Reason)
	}

	l.appendMessage(agent, models.ConvMessage{
		Role:    models.RoleUser,
		Content: []models.Block{{Type: models.BlockText, Text: userMessage}},
	})
	return l.iterate(ctx, agent)
}

// Continue runs the loop from the conversation as it stands, for callers
// (the scheduler, the control plane's send_message) that already queued the
// user turn via Runner.SendMessage.
func (l *Loop) Continue(ctx context.Context, hubAgentID string) error {
	agent, ok := l.runner.Get(hubAgentID)
	if !ok {
		return fmt.Errorf("hub: agent %s not found", hubAgentID)
	}
	return l.iterate(ctx, agent)
}

func (l *Loop) iterate(ctx context.Context, agent *Agent) error {
	hubAgentID := agent.ID

	if result := l.decide(ctx, hooks.DecisionInput{
		Type: hooks.DecisionAgentStart, AgentID: hubAgentID,
	}); result.Decision == hooks.Deny {
		return fmt.Errorf("hub: agent start denied: %s", result.Reason)
	}

	l.runner.SetBusy(hubAgentID, true)
	defer l.runner.SetBusy(hubAgentID, false)
	defer l.decide(ctx, hooks.DecisionInput{Type: hooks.DecisionAgentEnd, AgentID: hubAgentID})

	config := agent.Config
	adapter := adapters.ForProvider(config.Provider)
	validator := newInputValidator(config.Tools)

	var cumulativeTokens int
	var cumulativeCost float64

	ctx = observability.AddAgentID(ctx, hubAgentID)

	for iteration := 0; ; iteration++ {
		if iteration >= l.maxIterations {
			l.runner.emit(hubAgentID, "budget_exceeded", map[string]any{"reason": "iteration_limit"})
			l.metrics.RecordBudgetExceeded("iteration_limit")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		turn, err := l.streamTurn(ctx, agent, adapter, config, &cumulativeTokens, &cumulativeCost)
		if err != nil {
			l.runner.emit(hubAgentID, "agent_loop_event", models.CanonicalEvent{
				Type: models.EventError, Error: err.Error(),
			})
			return err
		}

		if config.TokenBudget > 0 && cumulativeTokens > config.TokenBudget {
			l.runner.emit(hubAgentID, "budget_exceeded", map[string]any{"reason": "token_limit"})
			l.metrics.RecordBudgetExceeded("token_limit")
			return nil
		}
		if config.CostBudgetUsd > 0 && cumulativeCost > config.CostBudgetUsd {
			l.runner.emit(hubAgentID, "budget_exceeded", map[string]any{"reason": "cost_limit"})
			l.metrics.RecordBudgetExceeded("cost_limit")
			return nil
		}

		// Text-as-tool-call fallback: a turn that ended with prose only is
		// rescanned against the declared tool names.
		if len(turn.toolCalls) == 0 && len(turn.assistantBlocks) > 0 {
			names := make([]string, 0, len(config.Tools))
			for _, t := range config.Tools {
				names = append(names, t.Name)
			}
			promotedBlocks, promoted := adapters.PromoteTextToolCalls(turn.assistantBlocks, names)
			if promoted {
				turn.assistantBlocks = promotedBlocks
				turn.stopReason = models.StopToolUse
				for _, b := range promotedBlocks {
					if b.Type == models.BlockToolUse {
						turn.toolCalls = append(turn.toolCalls, b)
					}
				}
			}
		}

		// max_tokens mid-tool-call: execute what arrived, marked truncated so
		// dispatch short-circuits each to an error result.
		if turn.stopReason == models.StopMaxTokens && len(turn.toolCalls) > 0 {
			for i := range turn.toolCalls {
				turn.toolCalls[i].Truncated = true
			}
			turn.stopReason = models.StopToolUse
		}

		if len(turn.assistantBlocks) > 0 {
			l.appendMessage(agent, models.ConvMessage{Role: models.RoleAssistant, Content: turn.assistantBlocks})
		}
		if turn.streamErr != "" && len(turn.toolCalls) == 0 {
			return fmt.Errorf("hub: stream error: %s", turn.streamErr)
		}

		if len(turn.toolCalls) > 0 {
			results := l.executeToolCalls(ctx, hubAgentID, turn.toolCalls, validator)
			l.appendMessage(agent, models.ConvMessage{Role: models.RoleUser, Content: results})
			continue
		}

		// Natural end of turn: the stop hook may force continuation.
		if result := l.decide(ctx, hooks.DecisionInput{
			Type: hooks.DecisionStop, AgentID: hubAgentID, StopReason: string(turn.stopReason),
		}); result.Decision == hooks.Deny {
			reason := result.Reason
			if reason == "" {
				reason = "continue"
			}
			l.appendMessage(agent, models.ConvMessage{
				Role:    models.RoleUser,
				Content: []models.Block{{Type: models.BlockText, Text: reason}},
			})
			continue
		}

		l.runner.emit(hubAgentID, "loop_complete", map[string]any{
			"totalTokens": cumulativeTokens,
			"totalCost":   cumulativeCost,
		})
		l.metrics.RecordLoopComplete(iteration + 1)
		return nil
	}
}

// streamTurn issues one completion request and folds the canonical event
// stream into a turnState.
func (l *Loop) streamTurn(ctx context.Context, agent *Agent, adapter adapters.Adapter, config models.AgentConfig, cumulativeTokens *int, cumulativeCost *float64) (*turnState, error) {
	adapter.ResetState()
	framer := sse.New()
	turn := &turnState{stopReason: models.StopEndTurn}

	conversation := l.snapshotConversation(agent)
	spec, err := adapter.BuildRequest(conversation, config.Tools, config)
	if err != nil {
		return nil, err
	}

	streamCtx, span := l.tracer.TraceProviderRequest(ctx, adapter.Name(), config.Model)
	started := time.Now()

	consume := func(chunk []byte) {
		for _, rec := range framer.Feed(string(chunk)) {
			for _, ev := range adapter.ParseSSEEvent(rec) {
				l.runner.emit(agent.ID, "agent_loop_event", ev)
				switch ev.Type {
				case models.EventTextDone:
					turn.assistantBlocks = append(turn.assistantBlocks, models.Block{
						Type: models.BlockText, Text: ev.Text,
					})
				case models.EventToolUseDone:
					block := models.Block{
						Type:             models.BlockToolUse,
						ToolUseID:        ev.ToolUseID,
						ToolName:         ev.ToolName,
						ToolInput:        ev.Input,
						Truncated:        ev.Truncated,
						ThoughtSignature: ev.ThoughtSignature,
					}
					turn.assistantBlocks = append(turn.assistantBlocks, block)
					turn.toolCalls = append(turn.toolCalls, block)
				case models.EventUsage:
					if ev.Usage != nil {
						turn.turnUsage = ev.Usage
						*cumulativeTokens += ev.Usage.InputTokens + ev.Usage.OutputTokens
						cost := adapter.EstimateCost(config.Model, *ev.Usage).TotalCost
						*cumulativeCost += cost
						l.metrics.RecordProviderUsage(adapter.Name(), config.Model,
							ev.Usage.InputTokens, ev.Usage.OutputTokens, cost)
					}
				case models.EventTurnEnd:
					turn.stopReason = ev.StopReason
					l.metrics.RecordTurnEnd(string(ev.StopReason))
				case models.EventError:
					turn.streamErr = ev.Error
				}
			}
		}
	}

	err = l.transport.Stream(streamCtx, spec, consume)
	observability.EndSpan(span, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.metrics.RecordProviderRequest(adapter.Name(), status, time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	if turn.turnUsage != nil {
		agent.mu.Lock()
		agent.TotalTokens += turn.turnUsage.InputTokens + turn.turnUsage.OutputTokens
		agent.TotalCost = *cumulativeCost
		agent.mu.Unlock()
	}
	return turn, nil
}

// executeToolCalls runs each call in order through the pre/post hook gates
// and the runner's tool partition, producing tool_result blocks. Truncated
// calls short-circuit to an error result without dispatching.
func (l *Loop) executeToolCalls(ctx context.Context, hubAgentID string, calls []models.Block, validator *inputValidator) []models.Block {
	results := make([]models.Block, 0, len(calls))
	for _, call := range calls {
		if call.Truncated {
			results = append(results, models.Block{
				Type:         models.BlockToolResult,
				ToolUseRefID: call.ToolUseID,
				Content:      fmt.Sprintf("tool call %s was truncated by the token limit and not executed", call.ToolName),
				IsError:      true,
			})
			continue
		}

		input := call.ToolInput
		pre := l.decide(ctx, hooks.DecisionInput{
			Type: hooks.DecisionPreToolUse, AgentID: hubAgentID,
			ToolName: call.ToolName, ToolInput: input,
		})
		if pre.Decision == hooks.Deny {
			results = append(results, models.Block{
				Type:         models.BlockToolResult,
				ToolUseRefID: call.ToolUseID,
				Content:      fmt.Sprintf("tool call denied: %s", pre.Reason),
				IsError:      true,
			})
			continue
		}
		if pre.ModifiedInput != nil {
			input = pre.ModifiedInput
		}

		if err := validateCapability(call.ToolName, input); err != nil {
			results = append(results, models.Block{
				Type:         models.BlockToolResult,
				ToolUseRefID: call.ToolUseID,
				Content:      err.Error(),
				IsError:      true,
			})
			continue
		}

		if err := validator.validate(call.ToolName, input); err != nil {
			results = append(results, models.Block{
				Type:         models.BlockToolResult,
				ToolUseRefID: call.ToolUseID,
				Content:      err.Error(),
				IsError:      true,
			})
			continue
		}

		dispatchCtx, span := l.tracer.TraceToolDispatch(
			observability.AddToolCallID(ctx, call.ToolUseID), call.ToolName, call.ToolUseID)
		started := time.Now()
		content, isError, err := l.runner.ExecuteToolForAgent(dispatchCtx, hubAgentID, call.ToolName, input)
		observability.EndSpan(span, err)
		if err != nil {
			content = err.Error()
			isError = true
		}
		status := "ok"
		if isError {
			status = "error"
		}
		l.metrics.RecordToolExecution(call.ToolName, status, time.Since(started).Seconds())

		if replaced, offloaded := l.offloader.MaybeOffload(ctx, call.ToolUseID+"-result", content); offloaded {
			content = replaced
		}

		post := l.decide(ctx, hooks.DecisionInput{
			Type: hooks.DecisionPostToolUse, AgentID: hubAgentID,
			ToolName: call.ToolName, ToolInput: input, ToolResult: content,
		})
		if post.Decision == hooks.Deny {
			isError = true
			if post.Reason != "" {
				content = fmt.Sprintf("%s (blocked: %s)", content, post.Reason)
			}
		}

		results = append(results, models.Block{
			Type:         models.BlockToolResult,
			ToolUseRefID: call.ToolUseID,
			Content:      content,
			IsError:      isError,
		})
	}
	return results
}

func (l *Loop) decide(ctx context.Context, in hooks.DecisionInput) hooks.DecisionResult {
	if l.hooks == nil || !l.hooks.HasType(in.Type) {
		return hooks.DecisionResult{Decision: hooks.Default}
	}
	return l.hooks.Evaluate(ctx, in)
}

func (l *Loop) appendMessage(agent *Agent, msg models.ConvMessage) {
	agent.mu.Lock()
	agent.Conversation = append(agent.Conversation, msg)
	agent.mu.Unlock()
}

func (l *Loop) snapshotConversation(agent *Agent) []models.ConvMessage {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	out := make([]models.ConvMessage, len(agent.Conversation))
	copy(out, agent.Conversation)
	return out
}

package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/flomonster/sentryhub/internal/sse"
	"github.com/flomonster/sentryhub/pkg/models"
)

const anthropicEndpoint = "/api/anthropic/v1/messages"

// Anthropic translates the Anthropic Messages streaming wire format
// (message_start, content_block_start/delta/stop, message_delta,
// message_stop) into canonical events.
type Anthropic struct {
	baseURL string

	// per-turn stream state
	blocks     map[int]*anthropicBlock // content block index -> accumulator
	stopReason models.StopReason
	inputUsage int
}

type anthropicBlock struct {
	kind      string // "text" | "tool_use"
	toolUseID string
	toolName  string
	text      string
	inputJSON string
}

// AnthropicOption configures an Anthropic adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL prefixes the request URL, for direct-to-API use
// outside the shell's /api proxy.
func WithAnthropicBaseURL(base string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = base }
}

// NewAnthropic returns a fresh Anthropic adapter.
func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{}
	for _, opt := range opts {
		opt(a)
	}
	a.ResetState()
	return a
}

func (a *Anthropic) Name() string { return "anthropic" }

// ResetState clears the per-turn accumulators.
func (a *Anthropic) ResetState() {
	a.blocks = make(map[int]*anthropicBlock)
	a.stopReason = ""
	a.inputUsage = 0
}

// BuildRequest shapes the conversation into an Anthropic Messages request.
func (a *Anthropic) BuildRequest(messages []models.ConvMessage, tools []models.ToolDef, config models.AgentConfig) (*RequestSpec, error) {
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      config.Model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages":   anthropicMessages(messages),
	}
	if config.SystemPrompt != "" {
		body["system"] = config.SystemPrompt
	}
	if len(tools) > 0 {
		wire := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			wire = append(wire, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = wire
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	return &RequestSpec{
		URL: a.baseURL + anthropicEndpoint,
		Headers: map[string]string{
			"content-type":      "application/json",
			"anthropic-version": "2023-06-01",
		},
		Body: encoded,
	}, nil
}

func anthropicMessages(messages []models.ConvMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		content := make([]map[string]any, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText:
				content = append(content, map[string]any{"type": "text", "text": b.Text})
			case models.BlockToolUse:
				input := b.ToolInput
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    b.ToolUseID,
					"name":  b.ToolName,
					"input": input,
				})
			case models.BlockToolResult:
				entry := map[string]any{
					"type":        "tool_result",
					"tool_use_id": b.ToolUseRefID,
					"content":     b.Content,
				}
				if b.IsError {
					entry["is_error"] = true
				}
				content = append(content, entry)
			}
		}
		out = append(out, map[string]any{"role": string(msg.Role), "content": content})
	}
	return out
}

// anthropicEvent is the union of fields across the stream event types.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseSSEEvent translates one Anthropic SSE record.
func (a *Anthropic) ParseSSEEvent(rec sse.Record) []models.CanonicalEvent {
	if rec.Data == "[DONE]" {
		return nil
	}
	var ev anthropicEvent
	if !decodeJSON(rec.Data, &ev) {
		return nil
	}
	if ev.Type == "" {
		ev.Type = rec.Event
	}

	switch ev.Type {
	case "message_start":
		a.inputUsage = ev.Message.Usage.InputTokens
		return []models.CanonicalEvent{{Type: models.EventMessageStart, MessageID: ev.Message.ID}}

	case "content_block_start":
		switch ev.ContentBlock.Type {
		case "text":
			a.blocks[ev.Index] = &anthropicBlock{kind: "text"}
		case "tool_use":
			a.blocks[ev.Index] = &anthropicBlock{
				kind:      "tool_use",
				toolUseID: ev.ContentBlock.ID,
				toolName:  ev.ContentBlock.Name,
			}
			return []models.CanonicalEvent{{
				Type:      models.EventToolUseStart,
				ToolUseID: ev.ContentBlock.ID,
				ToolName:  ev.ContentBlock.Name,
			}}
		}
		return nil

	case "content_block_delta":
		block := a.blocks[ev.Index]
		if block == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			block.text += ev.Delta.Text
			return []models.CanonicalEvent{{Type: models.EventTextDelta, Text: ev.Delta.Text}}
		case "input_json_delta":
			block.inputJSON += ev.Delta.PartialJSON
			return []models.CanonicalEvent{{
				Type:        models.EventToolUseInputDelta,
				ToolUseID:   block.toolUseID,
				PartialJSON: ev.Delta.PartialJSON,
			}}
		}
		return nil

	case "content_block_stop":
		block := a.blocks[ev.Index]
		if block == nil {
			return nil
		}
		delete(a.blocks, ev.Index)
		switch block.kind {
		case "text":
			return []models.CanonicalEvent{{Type: models.EventTextDone, Text: block.text}}
		case "tool_use":
			return []models.CanonicalEvent{{
				Type:      models.EventToolUseDone,
				ToolUseID: block.toolUseID,
				ToolName:  block.toolName,
				Input:     parseToolInput(block.inputJSON),
			}}
		}
		return nil

	case "message_delta":
		var events []models.CanonicalEvent
		reason := mapAnthropicStopReason(ev.Delta.StopReason)

		// A max_tokens cutoff mid-tool-call: the open tool_use never got its
		// content_block_stop, so flush it as truncated before ending the turn.
		if reason == models.StopMaxTokens {
			for idx, block := range a.blocks {
				if block.kind != "tool_use" {
					continue
				}
				delete(a.blocks, idx)
				events = append(events, models.CanonicalEvent{
					Type:      models.EventToolUseDone,
					ToolUseID: block.toolUseID,
					ToolName:  block.toolName,
					Input:     parseToolInput(block.inputJSON),
					Truncated: true,
				})
			}
		}

		usage := models.Usage{InputTokens: a.inputUsage, OutputTokens: ev.Usage.OutputTokens}
		events = append(events,
			models.CanonicalEvent{Type: models.EventUsage, Usage: &usage},
			models.CanonicalEvent{Type: models.EventTurnEnd, StopReason: reason},
		)
		a.stopReason = reason
		return events

	case "message_stop":
		// turn_end was already emitted on message_delta's stop_reason
		return nil

	case "error":
		return []models.CanonicalEvent{errorEvent("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)}

	case "ping":
		return nil
	}
	return nil
}

// ExtractUsage pulls token counts from an Anthropic message or event object.
func (a *Anthropic) ExtractUsage(raw json.RawMessage) (models.Usage, bool) {
	var obj struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.Usage{}, false
	}
	if obj.Usage.InputTokens == 0 && obj.Usage.OutputTokens == 0 {
		return models.Usage{}, false
	}
	return models.Usage{InputTokens: obj.Usage.InputTokens, OutputTokens: obj.Usage.OutputTokens}, true
}

// EstimateCost prices usage from the static table.
func (a *Anthropic) EstimateCost(model string, usage models.Usage) models.CostEstimate {
	return estimateCost(model, usage)
}

func mapAnthropicStopReason(reason string) models.StopReason {
	switch reason {
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopMaxTokens
	default:
		return models.StopEndTurn
	}
}

// parseToolInput parses an accumulated partial-JSON tool input best-effort:
// valid JSON passes through, anything else (truncated mid-stream) collapses
// to an empty object so downstream dispatch always sees parseable input.
func parseToolInput(partial string) json.RawMessage {
	if partial == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(partial)) {
		return json.RawMessage(partial)
	}
	return json.RawMessage("{}")
}

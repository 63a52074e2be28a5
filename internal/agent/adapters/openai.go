package adapters

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flomonster/sentryhub/internal/sse"
	"github.com/flomonster/sentryhub/pkg/models"
)

const (
	openaiEndpoint = "/api/openai/v1/chat/completions"
	ollamaEndpoint = "/api/ollama/v1/chat/completions"
)

// OpenAI translates the OpenAI Chat Completions streaming wire format into
// canonical events. Ollama speaks the same format at a different endpoint;
// NewOllama returns an adapter pointed there.
type OpenAI struct {
	name     string
	endpoint string
	baseURL  string

	// per-turn stream state
	started   bool
	textBuf   string
	textOpen  bool
	toolCalls map[int]*openaiToolCall // choice delta index -> accumulator
	order     []int                   // indexes in first-seen order
}

type openaiToolCall struct {
	id       string
	name     string
	argsJSON string
	done     bool
}

// OpenAIOption configures an OpenAI adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL prefixes the request URL.
func WithOpenAIBaseURL(base string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = base }
}

// NewOpenAI returns a fresh OpenAI-Chat adapter.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{name: "openai", endpoint: openaiEndpoint}
	for _, opt := range opts {
		opt(o)
	}
	o.ResetState()
	return o
}

// NewOllama returns an OpenAI-Chat adapter pointed at the Ollama endpoint.
func NewOllama(opts ...OpenAIOption) *OpenAI {
	o := NewOpenAI(opts...)
	o.name = "ollama"
	o.endpoint = ollamaEndpoint
	return o
}

func (o *OpenAI) Name() string { return o.name }

// ResetState clears the per-turn accumulators.
func (o *OpenAI) ResetState() {
	o.started = false
	o.textBuf = ""
	o.textOpen = false
	o.toolCalls = make(map[int]*openaiToolCall)
	o.order = nil
}

// BuildRequest shapes the conversation into a Chat Completions request. The
// system prompt becomes a leading {role:system} message.
func (o *OpenAI) BuildRequest(messages []models.ConvMessage, tools []models.ToolDef, config models.AgentConfig) (*RequestSpec, error) {
	wire := make([]map[string]any, 0, len(messages)+1)
	if config.SystemPrompt != "" {
		wire = append(wire, map[string]any{"role": "system", "content": config.SystemPrompt})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			entry := map[string]any{"role": "assistant"}
			var text string
			var toolCalls []map[string]any
			for _, b := range msg.Content {
				switch b.Type {
				case models.BlockText:
					text += b.Text
				case models.BlockToolUse:
					args := string(b.ToolInput)
					if args == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, map[string]any{
						"id":   b.ToolUseID,
						"type": "function",
						"function": map[string]any{
							"name":      b.ToolName,
							"arguments": args,
						},
					})
				}
			}
			if text != "" {
				entry["content"] = text
			}
			if len(toolCalls) > 0 {
				entry["tool_calls"] = toolCalls
			}
			wire = append(wire, entry)

		default:
			// A user message's tool_result blocks become individual
			// {role:tool} messages; plain text stays a user message.
			var text string
			for _, b := range msg.Content {
				switch b.Type {
				case models.BlockText:
					text += b.Text
				case models.BlockToolResult:
					wire = append(wire, map[string]any{
						"role":         "tool",
						"tool_call_id": b.ToolUseRefID,
						"content":      b.Content,
					})
				}
			}
			if text != "" {
				wire = append(wire, map[string]any{"role": "user", "content": text})
			}
		}
	}

	body := map[string]any{
		"model":          config.Model,
		"messages":       wire,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if config.MaxTokens > 0 {
		body["max_tokens"] = config.MaxTokens
	}
	if len(tools) > 0 {
		wireTools := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			params := t.InputSchema
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			wireTools = append(wireTools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		body["tools"] = wireTools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", o.name, err)
	}
	return &RequestSpec{
		URL:     o.baseURL + o.endpoint,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    encoded,
	}, nil
}

type openaiChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ParseSSEEvent translates one Chat Completions SSE record. Tool calls
// stream by index: a new index opens a tool_use_start, argument chunks
// accumulate into tool_use_input_delta, and the finish reason flushes the
// accumulated calls as tool_use_done events.
func (o *OpenAI) ParseSSEEvent(rec sse.Record) []models.CanonicalEvent {
	if rec.Data == "[DONE]" {
		return nil
	}
	var chunk openaiChunk
	if !decodeJSON(rec.Data, &chunk) {
		return nil
	}

	var events []models.CanonicalEvent
	if !o.started {
		o.started = true
		events = append(events, models.CanonicalEvent{Type: models.EventMessageStart, MessageID: chunk.ID})
	}

	// The final usage chunk arrives with an empty choices array.
	if chunk.Usage != nil {
		events = append(events, models.CanonicalEvent{
			Type: models.EventUsage,
			Usage: &models.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			},
		})
	}
	if len(chunk.Choices) == 0 {
		return events
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		o.textBuf += choice.Delta.Content
		o.textOpen = true
		events = append(events, models.CanonicalEvent{Type: models.EventTextDelta, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		acc, exists := o.toolCalls[index]
		if !exists {
			// Text precedes tool calls in the assistant turn; close it out
			// before the first tool_use_start of this chunk.
			events = append(events, o.flushText()...)
			acc = &openaiToolCall{}
			o.toolCalls[index] = acc
			o.order = append(o.order, index)
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" && acc.name == "" {
			acc.name = tc.Function.Name
			events = append(events, models.CanonicalEvent{
				Type:      models.EventToolUseStart,
				ToolUseID: acc.id,
				ToolName:  acc.name,
			})
		}
		if tc.Function.Arguments != "" {
			acc.argsJSON += tc.Function.Arguments
			events = append(events, models.CanonicalEvent{
				Type:        models.EventToolUseInputDelta,
				ToolUseID:   acc.id,
				PartialJSON: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		events = append(events, o.finish(choice.FinishReason)...)
	}
	return events
}

// flushText emits a text_done for any accumulated text.
func (o *OpenAI) flushText() []models.CanonicalEvent {
	if !o.textOpen {
		return nil
	}
	text := o.textBuf
	o.textBuf = ""
	o.textOpen = false
	return []models.CanonicalEvent{{Type: models.EventTextDone, Text: text}}
}

// finish maps the finish reason and flushes accumulated state. Providers are
// observed to send "stop" instead of "tool_calls" when tool calls were
// streamed, so a non-empty accumulator always remaps stop to tool_use.
func (o *OpenAI) finish(reason string) []models.CanonicalEvent {
	events := o.flushText()

	stopReason := models.StopEndTurn
	switch reason {
	case "tool_calls":
		stopReason = models.StopToolUse
	case "length":
		stopReason = models.StopMaxTokens
	case "stop":
		if o.pendingToolCalls() {
			stopReason = models.StopToolUse
		}
	}

	truncated := stopReason == models.StopMaxTokens
	sort.Ints(o.order)
	for _, index := range o.order {
		acc := o.toolCalls[index]
		if acc == nil || acc.done || acc.id == "" || acc.name == "" {
			continue
		}
		acc.done = true
		events = append(events, models.CanonicalEvent{
			Type:      models.EventToolUseDone,
			ToolUseID: acc.id,
			ToolName:  acc.name,
			Input:     parseToolInput(acc.argsJSON),
			Truncated: truncated && !json.Valid([]byte(acc.argsJSON)),
		})
	}

	events = append(events, models.CanonicalEvent{Type: models.EventTurnEnd, StopReason: stopReason})
	return events
}

func (o *OpenAI) pendingToolCalls() bool {
	for _, acc := range o.toolCalls {
		if !acc.done && (acc.id != "" || acc.name != "" || acc.argsJSON != "") {
			return true
		}
	}
	return false
}

// ExtractUsage pulls token counts from a Chat Completions response object.
func (o *OpenAI) ExtractUsage(raw json.RawMessage) (models.Usage, bool) {
	var obj struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.Usage{}, false
	}
	if obj.Usage.PromptTokens == 0 && obj.Usage.CompletionTokens == 0 {
		return models.Usage{}, false
	}
	return models.Usage{InputTokens: obj.Usage.PromptTokens, OutputTokens: obj.Usage.CompletionTokens}, true
}

// EstimateCost prices usage from the static table.
func (o *OpenAI) EstimateCost(model string, usage models.Usage) models.CostEstimate {
	return estimateCost(model, usage)
}

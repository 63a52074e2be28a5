package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flomonster/sentryhub/internal/sse"
	"github.com/flomonster/sentryhub/pkg/models"
)

// Gemini translates the Gemini streamGenerateContent wire format into
// canonical events. Gemini has no native tool-call ids, so the adapter mints
// synthetic ones (gemini_tc_<n>) from a stateful counter, and it can split a
// functionCall and its finishReason across chunks, so sawFunctionCall is kept
// across ParseSSEEvent calls until ResetState.
type Gemini struct {
	baseURL string

	// per-turn stream state
	started         bool
	textBuf         string
	textOpen        bool
	toolCallCounter int
	sawFunctionCall bool
	usage           *models.Usage
}

// GeminiOption configures a Gemini adapter.
type GeminiOption func(*Gemini)

// WithGeminiBaseURL prefixes the request URL.
func WithGeminiBaseURL(base string) GeminiOption {
	return func(g *Gemini) { g.baseURL = base }
}

// NewGemini returns a fresh Gemini adapter.
func NewGemini(opts ...GeminiOption) *Gemini {
	g := &Gemini{}
	for _, opt := range opts {
		opt(g)
	}
	g.ResetState()
	return g
}

func (g *Gemini) Name() string { return "gemini" }

// ResetState clears accumulators and the synthetic id counter.
func (g *Gemini) ResetState() {
	g.started = false
	g.textBuf = ""
	g.textOpen = false
	g.toolCallCounter = 0
	g.sawFunctionCall = false
	g.usage = nil
}

// BuildRequest shapes the conversation into a streamGenerateContent request.
// Assistant maps to the "model" role and consecutive same-role messages are
// merged into one entry with concatenated parts.
func (g *Gemini) BuildRequest(messages []models.ConvMessage, tools []models.ToolDef, config models.AgentConfig) (*RequestSpec, error) {
	toolNames := geminiToolNameIndex(messages)

	var contents []map[string]any
	for _, msg := range messages {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		parts := geminiParts(msg, toolNames)
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1]["role"] == role {
			prev := contents[n-1]["parts"].([]map[string]any)
			contents[n-1]["parts"] = append(prev, parts...)
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	body := map[string]any{"contents": contents}
	if config.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": config.SystemPrompt}},
		}
	}
	if config.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": config.MaxTokens}
	}
	if len(tools) > 0 {
		decls := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if schema := TranslateSchemaForGemini(t.InputSchema); schema != nil {
				decl["parameters"] = schema
			}
			decls = append(decls, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}
	return &RequestSpec{
		URL:     g.baseURL + "/api/gemini/v1beta/models/" + config.Model + ":streamGenerateContent?alt=sse",
		Headers: map[string]string{"content-type": "application/json"},
		Body:    encoded,
	}, nil
}

// geminiToolNameIndex maps tool_use id -> tool name across the conversation
// so functionResponse parts can carry the tool's original name (Gemini keys
// responses by name, not id).
func geminiToolNameIndex(messages []models.ConvMessage) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, b := range msg.Content {
			if b.Type == models.BlockToolUse {
				names[b.ToolUseID] = b.ToolName
			}
		}
	}
	return names
}

func geminiParts(msg models.ConvMessage, toolNames map[string]string) []map[string]any {
	var parts []map[string]any
	for _, b := range msg.Content {
		switch b.Type {
		case models.BlockText:
			if b.Text != "" {
				parts = append(parts, map[string]any{"text": b.Text})
			}
		case models.BlockToolUse:
			var args any = map[string]any{}
			if len(b.ToolInput) > 0 {
				_ = json.Unmarshal(b.ToolInput, &args)
			}
			part := map[string]any{
				"functionCall": map[string]any{"name": b.ToolName, "args": args},
			}
			if b.ThoughtSignature != "" {
				part["thoughtSignature"] = b.ThoughtSignature
			}
			parts = append(parts, part)
		case models.BlockToolResult:
			name := toolNames[b.ToolUseRefID]
			var response any
			switch {
			case b.IsError:
				response = map[string]any{"error": b.Content}
			default:
				var obj map[string]any
				if err := json.Unmarshal([]byte(b.Content), &obj); err == nil {
					response = obj
				} else {
					response = map[string]any{"result": b.Content}
				}
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{"name": name, "response": response},
			})
		}
	}
	return parts
}

// TranslateSchemaForGemini rewrites a JSON Schema into Gemini's dialect:
// type names uppercased, additionalProperties stripped recursively, and a
// bare OBJECT given an empty properties map.
func TranslateSchemaForGemini(schema json.RawMessage) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	}
	var parsed map[string]any
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	}
	return translateSchemaNode(parsed)
}

func translateSchemaNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for key, value := range node {
		switch key {
		case "additionalProperties":
			continue
		case "type":
			if s, ok := value.(string); ok {
				out[key] = strings.ToUpper(s)
				continue
			}
			out[key] = value
		case "properties":
			if props, ok := value.(map[string]any); ok {
				translated := make(map[string]any, len(props))
				for name, sub := range props {
					if subMap, ok := sub.(map[string]any); ok {
						translated[name] = translateSchemaNode(subMap)
					} else {
						translated[name] = sub
					}
				}
				out[key] = translated
				continue
			}
			out[key] = value
		case "items":
			if subMap, ok := value.(map[string]any); ok {
				out[key] = translateSchemaNode(subMap)
				continue
			}
			out[key] = value
		default:
			out[key] = value
		}
	}
	if out["type"] == "OBJECT" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}
	return out
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				Thought      bool   `json:"thought"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
				ThoughtSignature string `json:"thoughtSignature"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// ParseSSEEvent translates one Gemini SSE record.
func (g *Gemini) ParseSSEEvent(rec sse.Record) []models.CanonicalEvent {
	if rec.Data == "[DONE]" {
		return nil
	}
	var chunk geminiChunk
	if !decodeJSON(rec.Data, &chunk) {
		return nil
	}

	var events []models.CanonicalEvent
	if !g.started {
		g.started = true
		events = append(events, models.CanonicalEvent{Type: models.EventMessageStart})
	}

	if chunk.UsageMetadata != nil {
		g.usage = &models.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(chunk.Candidates) == 0 {
		return events
	}
	candidate := chunk.Candidates[0]

	for _, part := range candidate.Content.Parts {
		if part.Thought {
			// thinking parts are internal to the model, discarded
			continue
		}
		if part.FunctionCall != nil {
			events = append(events, g.flushText()...)
			g.toolCallCounter++
			id := fmt.Sprintf("gemini_tc_%d", g.toolCallCounter)
			g.sawFunctionCall = true
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			events = append(events,
				models.CanonicalEvent{Type: models.EventToolUseStart, ToolUseID: id, ToolName: part.FunctionCall.Name},
				models.CanonicalEvent{Type: models.EventToolUseInputDelta, ToolUseID: id, PartialJSON: string(args)},
				models.CanonicalEvent{
					Type:             models.EventToolUseDone,
					ToolUseID:        id,
					ToolName:         part.FunctionCall.Name,
					Input:            args,
					ThoughtSignature: part.ThoughtSignature,
				},
			)
			continue
		}
		if part.Text != "" {
			g.textBuf += part.Text
			g.textOpen = true
			events = append(events, models.CanonicalEvent{Type: models.EventTextDelta, Text: part.Text})
		}
	}

	if candidate.FinishReason != "" {
		events = append(events, g.finish(candidate.FinishReason)...)
	}
	return events
}

// finish maps Gemini's finishReason. STOP reclassifies to tool_use when the
// candidate stream emitted any functionCall — Gemini can split the
// functionCall and the finishReason into separate chunks, which is exactly
// why sawFunctionCall persists across ParseSSEEvent calls.
func (g *Gemini) finish(reason string) []models.CanonicalEvent {
	events := g.flushText()

	var stopReason models.StopReason
	switch reason {
	case "STOP":
		if g.sawFunctionCall {
			stopReason = models.StopToolUse
		} else {
			stopReason = models.StopEndTurn
		}
	case "MAX_TOKENS":
		stopReason = models.StopMaxTokens
	case "SAFETY", "RECITATION":
		events = append(events, errorEvent("gemini: generation stopped: %s", reason))
		stopReason = models.StopEndTurn
	default:
		stopReason = models.StopEndTurn
	}

	if g.usage != nil {
		usage := *g.usage
		events = append(events, models.CanonicalEvent{Type: models.EventUsage, Usage: &usage})
	}
	events = append(events, models.CanonicalEvent{Type: models.EventTurnEnd, StopReason: stopReason})
	return events
}

func (g *Gemini) flushText() []models.CanonicalEvent {
	if !g.textOpen {
		return nil
	}
	text := g.textBuf
	g.textBuf = ""
	g.textOpen = false
	return []models.CanonicalEvent{{Type: models.EventTextDone, Text: text}}
}

// ExtractUsage pulls token counts from a Gemini response object.
func (g *Gemini) ExtractUsage(raw json.RawMessage) (models.Usage, bool) {
	var obj struct {
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.Usage{}, false
	}
	if obj.UsageMetadata.PromptTokenCount == 0 && obj.UsageMetadata.CandidatesTokenCount == 0 {
		return models.Usage{}, false
	}
	return models.Usage{
		InputTokens:  obj.UsageMetadata.PromptTokenCount,
		OutputTokens: obj.UsageMetadata.CandidatesTokenCount,
	}, true
}

// EstimateCost prices usage from the static table.
func (g *Gemini) EstimateCost(model string, usage models.Usage) models.CostEstimate {
	return estimateCost(model, usage)
}

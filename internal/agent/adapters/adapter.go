// Package adapters translates between provider-specific wire formats and the
// canonical agent event stream. Each adapter builds provider-shaped request
// bodies, normalizes the provider's SSE events into models.CanonicalEvent
// values, and prices usage from a static table.
//
// Adapters are stateful across chunks of one response (tool-call accumulators,
// partial text) and are reset between turns via ResetState. They are owned by
// a single agent runner and are not safe for concurrent use.
package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/flomonster/sentryhub/internal/sse"
	"github.com/flomonster/sentryhub/pkg/models"
)

// RequestSpec is everything a transport needs to issue one streaming
// completion request: the endpoint path, headers, and the encoded body.
// Credentials are injected by the relay's credential channel, never here.
type RequestSpec struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Adapter is the five-operation provider translation contract.
type Adapter interface {
	// Name returns the provider name ("anthropic", "openai", "gemini", ...).
	Name() string

	// BuildRequest shapes a conversation + tool set + agent config into a
	// provider-specific streaming request.
	BuildRequest(messages []models.ConvMessage, tools []models.ToolDef, config models.AgentConfig) (*RequestSpec, error)

	// ParseSSEEvent translates one framed SSE record into zero or more
	// canonical events. It is stateful: tool-call accumulators persist
	// across records until ResetState.
	ParseSSEEvent(rec sse.Record) []models.CanonicalEvent

	// ExtractUsage pulls token counts out of a provider response object.
	ExtractUsage(raw json.RawMessage) (models.Usage, bool)

	// EstimateCost prices usage for a model from the static price table.
	EstimateCost(model string, usage models.Usage) models.CostEstimate

	// ResetState clears accumulators between turns.
	ResetState()
}

// ForProvider returns a fresh adapter for the named provider. Unknown
// providers fall back to Anthropic (spec §6 "Default fallback").
func ForProvider(provider string) Adapter {
	switch provider {
	case "openai":
		return NewOpenAI()
	case "ollama":
		return NewOllama()
	case "gemini":
		return NewGemini()
	case "anthropic":
		return NewAnthropic()
	default:
		return NewAnthropic()
	}
}

// decodeJSON is the shared lenient decoder: unparseable payloads are skipped
// silently (spec §7 "unparseable JSON are silently skipped").
func decodeJSON(data string, v any) bool {
	if data == "" {
		return false
	}
	return json.Unmarshal([]byte(data), v) == nil
}

func errorEvent(format string, args ...any) models.CanonicalEvent {
	return models.CanonicalEvent{Type: models.EventError, Error: fmt.Sprintf(format, args...)}
}

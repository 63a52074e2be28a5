package models

import (
	"encoding/json"
	"time"
)

// BlockType discriminates a conversation content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is a tagged union member of a conversation message's content.
// Exactly the fields relevant to its Type are populated.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID        string          `json:"id,omitempty"`
	ToolName         string          `json:"name,omitempty"`
	ToolInput        json.RawMessage `json:"input,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	Truncated        bool            `json:"truncated,omitempty"`

	// tool_result
	ToolUseRefID string `json:"tool_use_id,omitempty"`
	Content      string `json:"content,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
}

// ConvMessage is a conversation item: a role plus an ordered list of content blocks.
type ConvMessage struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// AgentPhase is the agent state machine state (spec §3 "Agent state").
type AgentPhase string

const (
	PhasePending AgentPhase = "pending"
	PhaseRunning AgentPhase = "running"
	PhasePaused  AgentPhase = "paused"
	PhaseStopped AgentPhase = "stopped"
	PhaseKilled  AgentPhase = "killed"
	PhaseError   AgentPhase = "error"
)

// Terminal reports whether the phase cannot transition further except via restart.
func (p AgentPhase) Terminal() bool {
	return p == PhaseKilled || p == PhaseError
}

// CoerceOnRestore applies the restore rule from spec §7: active states never
// survive a reload and are coerced to stopped; killed/error are preserved.
func (p AgentPhase) CoerceOnRestore() AgentPhase {
	switch p {
	case PhaseRunning, PhasePaused, PhasePending:
		return PhaseStopped
	default:
		return p
	}
}

// ToolDef is a declared tool's name, description, and JSON-schema input shape.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// NetworkPolicy constrains an agent's fetch/network tool access.
type NetworkPolicy struct {
	AllowedHosts []string `json:"allowedHosts,omitempty"`
	DenyAll      bool     `json:"denyAll,omitempty"`
}

// AgentConfig is the owned-by-container configuration of one agent (spec §3).
type AgentConfig struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Model              string         `json:"model"`
	Provider           string         `json:"provider"`
	SystemPrompt       string         `json:"systemPrompt,omitempty"`
	Tools              []ToolDef      `json:"tools,omitempty"`
	MaxTokens          int            `json:"maxTokens,omitempty"`
	TokenBudget        int            `json:"tokenBudget,omitempty"`
	CostBudgetUsd      float64        `json:"costBudgetUsd,omitempty"`
	NetworkPolicy      *NetworkPolicy `json:"networkPolicy,omitempty"`
	HubConnectionID    string         `json:"hubConnectionId,omitempty"`
	HubSandboxPath     string         `json:"hubSandboxPath,omitempty"`
	SandboxPermissions []string       `json:"sandboxPermissions,omitempty"`
}

// CanonicalEventType enumerates the narrow-waist provider-agnostic event stream (spec §3).
type CanonicalEventType string

const (
	EventMessageStart       CanonicalEventType = "message_start"
	EventTextDelta          CanonicalEventType = "text_delta"
	EventTextDone           CanonicalEventType = "text_done"
	EventToolUseStart       CanonicalEventType = "tool_use_start"
	EventToolUseInputDelta  CanonicalEventType = "tool_use_input_delta"
	EventToolUseDone        CanonicalEventType = "tool_use_done"
	EventUsage              CanonicalEventType = "usage"
	EventTurnEnd            CanonicalEventType = "turn_end"
	EventError              CanonicalEventType = "error"
)

// StopReason is the canonical turn_end classification.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage carries cumulative token counts and derived cost for a turn.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// CostEstimate is a provider adapter's static-price-table cost breakdown.
type CostEstimate struct {
	InputCost  float64 `json:"inputCost"`
	OutputCost float64 `json:"outputCost"`
	TotalCost  float64 `json:"totalCost"`
	Currency   string  `json:"currency"`
}

// CanonicalEvent is one item of the adapter-produced, loop-consumed event stream.
type CanonicalEvent struct {
	Type CanonicalEventType `json:"type"`

	MessageID string `json:"messageId,omitempty"`

	Text string `json:"text,omitempty"`

	ToolUseID        string          `json:"toolUseId,omitempty"`
	ToolName         string          `json:"toolName,omitempty"`
	PartialJSON      string          `json:"partialJson,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Truncated        bool            `json:"truncated,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`

	Usage *Usage `json:"usage,omitempty"`

	StopReason StopReason `json:"stopReason,omitempty"`

	Error string `json:"error,omitempty"`
}

// ScheduledEntry is one hub-agent scheduled action (spec §3 / §4.9).
type ScheduledEntry struct {
	ID             string         `json:"id"`
	HubAgentID     string         `json:"hubAgentId"`
	Type           string         `json:"type"` // cron | event
	CronExpression string         `json:"cronExpression,omitempty"`
	EventName      string         `json:"eventName,omitempty"`
	EventCondition string         `json:"eventCondition,omitempty"`
	Message        string         `json:"message,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	Enabled        bool           `json:"enabled"`
	RunCount       int            `json:"runCount"`
	LastRunAt      time.Time      `json:"lastRunAt,omitempty"`
	MaxRuns        int            `json:"maxRuns,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PushSubscription is one device's push registration (spec §3 / §4.10).
type PushSubscription struct {
	DeviceID     string    `json:"deviceId"`
	Endpoint     string    `json:"endpoint"`
	P256dh       string    `json:"p256dh"`
	Auth         string    `json:"auth"`
	PIN          string    `json:"-"`
	PINExpiresAt time.Time `json:"-"`
	Verified     bool      `json:"verified"`
}

// HubAgentSession is the persisted server-resident agent conversation (spec §3).
type HubAgentSession struct {
	Version      int                    `json:"version"`
	AgentID      string                 `json:"agentId"`
	Config       AgentConfig            `json:"config"`
	Conversation []ConvMessage          `json:"conversation"`
	Storage      map[string]any         `json:"storage"`
	CreatedAt    time.Time              `json:"createdAt"`
	SerializedAt time.Time              `json:"serializedAt"`
	TotalTokens  int                    `json:"totalTokens"`
	TotalCost    float64                `json:"totalCost"`
	DOMState     map[string]any         `json:"domState,omitempty"`
}

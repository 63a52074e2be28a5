// Package observability carries the runtime's logging, metrics, and tracing
// surface: a redacting slog wrapper, per-subsystem Prometheus instruments,
// OTLP trace export, and the context keys that tie a log line or span back
// to the agent, run, and tool call that produced it.
package observability

import "context"

type ctxKey string

const (
	runIDKey      ctxKey = "run_id"
	sessionIDKey  ctxKey = "session_id"
	agentIDKey    ctxKey = "agent_id"
	messageIDKey  ctxKey = "message_id"
	toolCallIDKey ctxKey = "tool_call_id"
	requestIDKey  ctxKey = "request_id"
)

// AddRunID attaches a loop-run id to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the loop-run id, or "".
func GetRunID(ctx context.Context) string { return fromCtx(ctx, runIDKey) }

// AddSessionID attaches a session id to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetSessionID returns the session id, or "".
func GetSessionID(ctx context.Context) string { return fromCtx(ctx, sessionIDKey) }

// AddAgentID attaches an agent id to the context.
func AddAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// GetAgentID returns the agent id, or "".
func GetAgentID(ctx context.Context) string { return fromCtx(ctx, agentIDKey) }

// AddMessageID attaches a message id to the context.
func AddMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey, messageID)
}

// GetMessageID returns the message id, or "".
func GetMessageID(ctx context.Context) string { return fromCtx(ctx, messageIDKey) }

// AddToolCallID attaches a tool-call id to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, toolCallID)
}

// GetToolCallID returns the tool-call id, or "".
func GetToolCallID(ctx context.Context) string { return fromCtx(ctx, toolCallIDKey) }

// AddRequestID attaches a relay request id to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the relay request id, or "".
func GetRequestID(ctx context.Context) string { return fromCtx(ctx, requestIDKey) }

func fromCtx(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with secret redaction and context-field enrichment, so
// provider keys and push tokens never reach a log sink even when a caller
// logs a whole request payload.
type Logger struct {
	slog     *slog.Logger
	redactRe []*regexp.Regexp
}

// LogConfig configures a Logger.
type LogConfig struct {
	// Level is debug|info|warn|error (default info).
	Level string

	// Format is json|text (default json).
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource includes file:line on every record.
	AddSource bool

	// RedactPatterns are appended to DefaultRedactPatterns.
	RedactPatterns []string
}

// DefaultRedactPatterns match the secret shapes this runtime handles:
// provider API keys, bearer/VAPID JWTs, and push auth material.
var DefaultRedactPatterns = []string{
	`sk-ant-[A-Za-z0-9\-_]{8,}`,
	`sk-[A-Za-z0-9]{20,}`,
	`AIza[A-Za-z0-9\-_]{30,}`,
	`(?i)bearer\s+[A-Za-z0-9\-_.]+`,
	`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`,
}

// NewLogger builds a Logger from config.
func NewLogger(config LogConfig) (*Logger, error) {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	patterns := append(append([]string(nil), DefaultRedactPatterns...), config.RedactPatterns...)
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}

	return &Logger{slog: slog.New(handler), redactRe: res}, nil
}

// MustNewLogger is NewLogger, panicking on invalid config.
func MustNewLogger(config LogConfig) *Logger {
	l, err := NewLogger(config)
	if err != nil {
		panic(err)
	}
	return l
}

// Slog returns the underlying slog.Logger for subsystems that take one.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// With returns a Logger carrying additional fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), redactRe: l.redactRe}
}

// Debug logs at debug level with context fields and redaction applied.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	args = l.redactArgs(args)
	args = appendCtxFields(ctx, args)
	l.slog.Log(ctx, level, msg, args...)
}

func appendCtxFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	if v := GetAgentID(ctx); v != "" {
		args = append(args, "agent_id", v)
	}
	if v := GetRunID(ctx); v != "" {
		args = append(args, "run_id", v)
	}
	if v := GetSessionID(ctx); v != "" {
		args = append(args, "session_id", v)
	}
	if v := GetToolCallID(ctx); v != "" {
		args = append(args, "tool_call_id", v)
	}
	if v := GetRequestID(ctx); v != "" {
		args = append(args, "request_id", v)
	}
	return args
}

// redactArgs rewrites every string value (including strings nested one map
// level deep) through the redaction patterns. Keys are left alone.
func (l *Logger) redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		// slog args alternate key, value; redact only the value positions
		if i%2 == 0 {
			out[i] = a
			continue
		}
		out[i] = l.redactValue(a)
	}
	return out
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.RedactString(val)
	case map[string]any:
		redacted := make(map[string]any, len(val))
		for k, mv := range val {
			if s, ok := mv.(string); ok {
				redacted[k] = l.RedactString(s)
			} else {
				redacted[k] = mv
			}
		}
		return redacted
	default:
		return v
	}
}

// RedactString applies every redaction pattern to s.
func (l *Logger) RedactString(s string) string {
	for _, re := range l.redactRe {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// LogLevelFromString maps a config string to a slog.Level, defaulting to
// info on anything unrecognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

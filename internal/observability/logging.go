// Package observability provides structured logging, distributed tracing,
// and Prometheus metrics for the Threadline service.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps log/slog with request correlation and secret redaction.
// Every log call takes a context; request, conversation and user IDs
// stashed there are attached to the record automatically.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	logger.Info(ctx, "request accepted", "user_id", userID)
type Logger struct {
	slog   *slog.Logger
	config LogConfig
	redact redactor
}

// LogConfig controls log output, level, and redaction.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" (production) or "text" (dev).
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction on top of the defaults.
	RedactPatterns []string
}

// ContextKey types the correlation values stashed in request contexts.
type ContextKey string

// Correlation keys. Values stored under them become log record attributes.
const (
	RequestIDKey      ContextKey = "request_id"
	ConversationIDKey ContextKey = "conversation_id"
	UserIDKey         ContextKey = "user_id"
)

// correlationKeys lists the context keys copied onto every record, in
// emission order.
var correlationKeys = []ContextKey{RequestIDKey, ConversationIDKey, UserIDKey}

// DefaultRedactPatterns matches the secret shapes this service handles:
// provider API keys, bearer tokens, JWTs, and generic key=value secrets.
var DefaultRedactPatterns = []string{
	// key=value shaped secrets
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)\b(?:bearer|token)[\s:]+[\w.\-]{20,}`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,

	// bare provider keys and JWTs
	`\bsk-ant-[\w-]{80,}`,
	`\bsk-[A-Za-z0-9]{40,}`,
	`\beyJ[\w-]+\.eyJ[\w-]+\.[\w-]*`,
}

var defaultRedactors = compilePatterns(DefaultRedactPatterns)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// NewLogger creates a structured logger. A nil Output goes to os.Stdout,
// an empty Level means "info", an empty Format means "json". Custom
// redaction patterns that fail to compile are skipped rather than
// failing construction.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	patterns := defaultRedactors
	if len(config.RedactPatterns) > 0 {
		patterns = append(append([]*regexp.Regexp{}, defaultRedactors...), compilePatterns(config.RedactPatterns)...)
	}

	return &Logger{
		slog:   slog.New(handler),
		config: config,
		redact: redactor{patterns: patterns},
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Debug logs at debug level with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level. Error values passed as args are redacted
// like strings.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	attrs := make([]any, 0, len(args)+2*len(correlationKeys))
	for _, key := range correlationKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	for _, arg := range args {
		attrs = append(attrs, l.redact.value(arg))
	}

	l.slog.Log(ctx, level, l.redact.clean(msg), attrs...)
}

// WithFields returns a logger with the given fields added to all records.
//
//	componentLogger := logger.WithFields("component", "orchestrator")
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		redact: l.redact,
	}
}

// redactor scrubs secrets from log payloads before they reach a handler.
type redactor struct {
	patterns []*regexp.Regexp
}

func (r redactor) clean(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func (r redactor) value(v any) any {
	switch val := v.(type) {
	case string:
		return r.clean(val)
	case error:
		return r.clean(val.Error())
	case []byte:
		return r.clean(string(val))
	case map[string]any:
		return r.mapValue(val)
	default:
		if b, err := json.Marshal(v); err == nil {
			return r.clean(string(b))
		}
		return v
	}
}

var sensitiveLogKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"auth":          true,
	"authorization": true,
	"cookie":        true,
}

func (r redactor) mapValue(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveLogKeys[strings.ToLower(strings.ReplaceAll(k, "-", "_"))] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

// WithRequestID stashes a request ID in the context for log correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithConversationID stashes a conversation ID in the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// WithUserID stashes a user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// RequestIDFrom retrieves the request ID from the context, or "".
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON on stdout unless
// cfg.LogFormat is "console". Every entry carries the service version.
//
// Levels:
//   - error: store failures, panics, failed runs
//   - warn:  4xx responses, node retries, open circuit breaker
//   - info:  run and node transitions, scheduler ticks, definition loads
//   - debug: rendered request bodies, Dataform poll iterations
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	if strings.EqualFold(cfg.LogFormat, "console") {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zc.Build(zap.Fields(zap.String("version", Version)))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithFields derives a logger carrying fields from the context logger and
// stores it back, so everything below ctx logs them too.
func WithFields(ctx context.Context, fallback *zap.Logger, fields ...zap.Field) (context.Context, *zap.Logger) {
	logger := LoggerFrom(ctx, fallback).With(fields...)
	return WithLogger(ctx, logger), logger
}

// RequestLogger returns the context logger enriched with the API caller,
// correlation ID and trace ID when present.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if caller := model.CallerFrom(ctx); caller != nil {
		fields = append(fields,
			zap.String("subject_id", caller.SubjectID),
			zap.String("correlation_id", caller.CorrelationID),
		)
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// sensitiveFields are redacted from logged request and response bodies.
// Matching is case-insensitive.
var sensitiveFields = []string{
	"password",
	"secret",
	"client_secret",
	"token",
	"access_token",
	"refresh_token",
	"private_key",
	"credentials",
	"authorization",
	"api_key",
}

const redacted = "[REDACTED]"

// RedactBody returns a copy of body with sensitive values replaced by
// "[REDACTED]", descending into nested maps and slices. extra adds field
// names to the built-in list. body is never modified.
func RedactBody(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}
	names := make(map[string]bool, len(sensitiveFields)+len(extra))
	for _, f := range sensitiveFields {
		names[f] = true
	}
	for _, f := range extra {
		names[strings.ToLower(f)] = true
	}
	return redactMap(body, names)
}

func redactMap(m map[string]any, names map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if names[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, names)
	}
	return out
}

func redactValue(v any, names map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, names)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, names)
		}
		return out
	}
	return v
}

package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/model"
)

type loggerKey struct{}

// NewLogger builds the service logger. Output goes to stdout as JSON unless
// log_format is console.
//
// Level conventions:
//   - error: store or broker failures, recovered panics, 5xx responses
//   - warn:  4xx responses, dropped notifications, per-item bulk failures
//   - info:  submissions, decisions, step transitions, stock movements, catalog reload
//   - debug: policy scoring, agent resolution, FIFO layer consumption, request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding, encodeLevel := "json", zapcore.LowercaseLevelEncoder
	if cfg.LogFormat == "console" {
		encoding, encodeLevel = "console", zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": "quorum",
			"version": Version,
		},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns LoggerFrom(ctx, fallback) with the caller's tenant,
// subject, and correlation ids attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Field names redacted from logged request bodies. Approval object data
// routinely carries payee and payroll details next to credentials.
var defaultSensitiveFields = map[string]bool{
	"password":       true,
	"secret":         true,
	"token":          true,
	"api_key":        true,
	"authorization":  true,
	"iban":           true,
	"bank_account":   true,
	"account_number": true,
	"tax_id":         true,
	"salary":         true,
	"national_id":    true,
}

const redacted = "[REDACTED]"

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". Nested objects and arrays of objects are walked. extra
// names are redacted in addition to the defaults.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	set := defaultSensitiveFields
	if len(extra) > 0 {
		set = make(map[string]bool, len(defaultSensitiveFields)+len(extra))
		for k := range defaultSensitiveFields {
			set[k] = true
		}
		for _, f := range extra {
			set[f] = true
		}
	}
	return redactMap(body, set)
}

func redactMap(m map[string]any, set map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if set[k] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, set)
	}
	return out
}

func redactValue(v any, set map[string]bool) any {
	switch tv := v.(type) {
	case map[string]any:
		return redactMap(tv, set)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = redactValue(item, set)
		}
		return out
	default:
		return v
	}
}

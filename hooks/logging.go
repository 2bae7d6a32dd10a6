package hooks

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSlowThreshold is the duration above which LoggingHook warns.
const DefaultSlowThreshold = 100 * time.Millisecond

// LoggingHook writes one log line per operation, escalating to Warn for slow
// operations and to Error for failed ones.
type LoggingHook struct {
	logger    *slog.Logger
	threshold time.Duration
	logParams bool
}

// LoggingOption configures a LoggingHook.
type LoggingOption func(*LoggingHook)

// WithSlowThreshold overrides DefaultSlowThreshold.
func WithSlowThreshold(d time.Duration) LoggingOption {
	return func(h *LoggingHook) {
		if d > 0 {
			h.threshold = d
		}
	}
}

// WithParams includes operation parameters in log lines.
func WithParams(enabled bool) LoggingOption {
	return func(h *LoggingHook) {
		h.logParams = enabled
	}
}

// NewLoggingHook logs through logger, or slog.Default when nil.
func NewLoggingHook(logger *slog.Logger, opts ...LoggingOption) *LoggingHook {
	if logger == nil {
		logger = slog.Default()
	}
	h := &LoggingHook{logger: logger, threshold: DefaultSlowThreshold}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// BeforeExecute logs the start of an operation at debug level.
func (h *LoggingHook) BeforeExecute(ctx context.Context, kind Kind, operation, recordType string, params map[string]any) error {
	attrs := []slog.Attr{
		slog.String("kind", string(kind)),
		slog.String("operation", operation),
		slog.String("record_type", recordType),
	}
	if h.logParams && len(params) > 0 {
		attrs = append(attrs, slog.Any("params", params))
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "query started", attrs...)
	return nil
}

// AfterExecute logs failures at error level, slow operations at warn and
// everything else at info.
func (h *LoggingHook) AfterExecute(ctx context.Context, m Metric) error {
	level, msg := slog.LevelInfo, "query finished"
	switch {
	case m.Err != nil:
		level, msg = slog.LevelError, "query failed"
	case m.Duration > h.threshold:
		level, msg = slog.LevelWarn, "slow query"
	}

	attrs := []slog.Attr{
		slog.String("kind", string(m.Kind)),
		slog.String("operation", m.Operation),
		slog.String("record_type", m.RecordType),
		slog.Duration("duration", m.Duration),
		slog.Int64("rows", m.RowsAffected),
		slog.Bool("cache_hit", m.CacheHit),
	}
	if m.Err != nil {
		attrs = append(attrs, slog.String("error", m.Error()))
	}
	if h.logParams && len(m.Params) > 0 {
		attrs = append(attrs, slog.Any("params", m.Params))
	}

	h.logger.LogAttrs(ctx, level, msg, attrs...)
	return nil
}

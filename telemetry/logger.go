package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	// Skip if no context
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	// Extract span from context
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	// Add trace context to log
	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Convenience methods for remediation operations

func (l *Logger) LogEventReceived(ctx context.Context, ruleID, resourceID, accountID string) {
	l.WithContext(ctx).Info().
		Str("rule_id", ruleID).
		Str("resource_id", resourceID).
		Str("account_id", accountID).
		Msg("violation event received")
}

func (l *Logger) LogOutcome(ctx context.Context, ruleID, resourceID, status string, attempt int) {
	l.WithContext(ctx).Info().
		Str("rule_id", ruleID).
		Str("resource_id", resourceID).
		Str("status", status).
		Int("attempt", attempt).
		Msg("remediation outcome")
}

func (l *Logger) LogBrokerError(ctx context.Context, accountID string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("account_id", accountID).
		Msg("credential brokering failed")
}

func (l *Logger) LogRetry(ctx context.Context, ruleID, resourceID string, attempt int, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("rule_id", ruleID).
		Str("resource_id", resourceID).
		Int("attempt", attempt).
		Msg("retrying after transient failure")
}

func (l *Logger) LogStoreDegraded(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("outcome store degraded")
}

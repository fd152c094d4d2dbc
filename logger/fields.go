package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity
	FieldWorker     = "worker"
	FieldWorkerType = "worker_type"
	FieldTargetID   = "target_id"
	FieldGroupKey   = "group_key"
	FieldCursorKey  = "cursor_key"
	FieldUnit       = "unit"
	FieldTrackingID = "tracking_id"
	FieldStagingID  = "staging_id"
	FieldNaturalKey = "natural_key"
	FieldResource   = "resource"

	// Components
	FieldComponent = "component"
	FieldModule    = "module"
	FieldService   = "service"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldTimeout    = "timeout"
	FieldRetryAt    = "retry_at"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount     = "count"
	FieldAttempt   = "attempt"
	FieldRecovered = "recovered"

	// Status
	FieldStatus = "status"
	FieldPhase  = "phase"
	FieldReason = "reason"
)

type contextKey string

const (
	workerKey    contextKey = "logger_worker"
	targetIDKey  contextKey = "logger_target_id"
	componentKey contextKey = "logger_component"
)

// WithWorker adds the worker name to the context for logging
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// WithTargetID adds the claimed target id to the context for logging
func WithTargetID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, targetIDKey, id)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if worker, ok := ctx.Value(workerKey).(string); ok && worker != "" {
		fields = append(fields, FieldWorker, worker)
	}
	if id, ok := ctx.Value(targetIDKey).(int64); ok && id != 0 {
		fields = append(fields, FieldTargetID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates base with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	wd, err := watchdog.New(probes, rules, sup, events, interval, logger.ComponentLogger("ops"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

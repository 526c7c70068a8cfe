package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across autopost.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldJobID      = "job_id"
	FieldExternalID = "external_post_id"
	FieldCycleID    = "cycle_id"

	// Components
	FieldComponent = "component"
	FieldPoster    = "poster"

	// Scheduling
	FieldScheduledAt = "scheduled_at"
	FieldNextRetryAt = "next_retry_at"
	FieldSlot        = "slot"
	FieldTimezone    = "timezone"

	// Attempts
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldRetryable   = "retryable"
	FieldErrorCode   = "error_code"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"

	// Files and paths
	FieldPath = "path"

	// Glyph tag, see symbol.go
	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	cycleIDKey   contextKey = "logger_cycle_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithCycleID adds a poll cycle ID to the context for logging
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if cycleID, ok := ctx.Value(cycleIDKey).(string); ok && cycleID != "" {
		fields = append(fields, FieldCycleID, cycleID)
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
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	worker := dispatch.NewWorker(store, poster, cfg, logger.ComponentLogger("dispatch"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep keys consistent.
const (
	// Identity and context
	FieldRequestID    = "request_id"
	FieldConnectionID = "connection_id"
	FieldUser         = "user"

	// Components
	FieldComponent = "component"

	// Queries
	FieldQueryID     = "query_id"
	FieldFingerprint = "fingerprint"
	FieldCanonical   = "canonical"
	FieldQuery       = "query"
	FieldQueryType   = "query_type"
	FieldWindow      = "window"
	FieldUnique      = "unique"
	FieldExecutionID = "execution_id"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount       = "count"
	FieldSize        = "size"
	FieldSubscribers = "subscribers"
	FieldFailures    = "failures"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
)

// Context keys for propagating logging context
type contextKey string

const (
	requestIDKey    contextKey = "logger_request_id"
	connectionIDKey contextKey = "logger_connection_id"
	componentKey    contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithConnectionID adds the submitting connection to the context for logging
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, connectionIDKey, connectionID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if connID, ok := ctx.Value(connectionIDKey).(string); ok && connID != "" {
		fields = append(fields, FieldConnectionID, connID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
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
//	type Table struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewTable() *Table {
//	    return &Table{logger: logger.ComponentLogger("subscription")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

package tracing

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ContextKey represents keys used for context values
type ContextKey string

// PassIDKey is the context key for the id of the running drain pass.
const PassIDKey ContextKey = "pass_id"

// WithPassID adds a pass id to the context
func WithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, PassIDKey, passID)
}

// GetPassID retrieves the pass id from context
func GetPassID(ctx context.Context) string {
	if id, ok := ctx.Value(PassIDKey).(string); ok {
		return id
	}
	return ""
}

// LogFields returns the correlation fields for log entries made under ctx.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := GetPassID(ctx); id != "" {
		fields["pass_id"] = id
	}
	if id := GetOtelTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	return fields
}

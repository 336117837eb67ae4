// Package shared holds the correlation ids carried through a request or
// dispatch and the redaction helpers used wherever agent text is logged.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	agentKey
	taskIDKey
	responseIDKey
)

// noTrace is what TraceID reports for a context without one.
const noTrace = "-"

func stringValue(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceID returns the context's trace_id, or "-" when it has none.
func TraceID(ctx context.Context) string {
	if v := stringValue(ctx, traceKey); v != "" {
		return v
	}
	return noTrace
}

func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != noTrace {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

func Agent(ctx context.Context) string { return stringValue(ctx, agentKey) }

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

func TaskID(ctx context.Context) string { return stringValue(ctx, taskIDKey) }

// WithResponseID attaches the agent response id of an execution.
func WithResponseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, responseIDKey, id)
}

func ResponseID(ctx context.Context) string { return stringValue(ctx, responseIDKey) }

// WithExecution tags ctx with everything one agent execution is known by.
func WithExecution(ctx context.Context, agent, taskID, responseID string) context.Context {
	return WithResponseID(WithTaskID(WithAgent(ctx, agent), taskID), responseID)
}

// LogAttrs returns the context's correlation fields as slog key/value
// pairs. trace_id is always present; the others only when set.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	for _, f := range []struct {
		key string
		val string
	}{
		{"agent", Agent(ctx)},
		{"task_id", TaskID(ctx)},
		{"response_id", ResponseID(ctx)},
	} {
		if f.val != "" {
			attrs = append(attrs, f.key, f.val)
		}
	}
	return attrs
}

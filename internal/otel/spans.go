package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskrelay/internal/shared"
)

// Attribute keys shared by taskrelay spans and metrics.
var (
	AttrAgent        = attribute.Key("taskrelay.agent")
	AttrTaskID       = attribute.Key("taskrelay.task.id")
	AttrIssueRef     = attribute.Key("taskrelay.task.issue_ref")
	AttrResponseID   = attribute.Key("taskrelay.response.id")
	AttrReason       = attribute.Key("taskrelay.dispatch.reason")
	AttrChained      = attribute.Key("taskrelay.dispatch.chained")
	AttrSessionID    = attribute.Key("taskrelay.session.id")
	AttrOrphanAction = attribute.Key("taskrelay.orphan.action")
	AttrHTTPRoute    = attribute.Key("taskrelay.http.route")
	AttrRole         = attribute.Key("taskrelay.process.role")
	AttrTraceID      = attribute.Key("taskrelay.trace_id")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span: dispatch claims, completions and orphan
// resolution.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan is for work done by another process: headless agent runs
// and issue tracker lookups.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// ExecutionAttrs turns the correlation ids on ctx into span attributes. The
// internal trace_id links spans to log lines and task_events rows.
func ExecutionAttrs(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if v := shared.Agent(ctx); v != "" {
		attrs = append(attrs, AttrAgent.String(v))
	}
	if v := shared.TaskID(ctx); v != "" {
		attrs = append(attrs, AttrTaskID.String(v))
	}
	if v := shared.ResponseID(ctx); v != "" {
		attrs = append(attrs, AttrResponseID.String(v))
	}
	if v := shared.TraceID(ctx); v != "-" {
		attrs = append(attrs, AttrTraceID.String(v))
	}
	return attrs
}

// FailSpan records err on span and marks it failed with msg.
func FailSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// TracerOrNoop returns t, or a noop tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultAndEnsure(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = EnsureTraceID(ctx)
	first := TraceID(ctx)
	if first == "-" || first == "" {
		t.Fatalf("expected generated trace id, got %q", first)
	}
	if got := TraceID(EnsureTraceID(ctx)); got != first {
		t.Fatalf("EnsureTraceID replaced existing id: %q != %q", got, first)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithAgent(ctx, "claude")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithResponseID(ctx, "resp-1")

	attrs := LogAttrs(ctx)
	want := []any{"trace_id", "trace-1", "agent", "claude", "task_id", "task-1", "response_id", "resp-1"}
	if len(attrs) != len(want) {
		t.Fatalf("attrs = %v, want %v", attrs, want)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Fatalf("attrs[%d] = %v, want %v", i, attrs[i], want[i])
		}
	}

	if got := LogAttrs(context.Background()); len(got) != 2 {
		t.Fatalf("bare context attrs = %v", got)
	}
}

func TestWithExecution(t *testing.T) {
	ctx := WithExecution(context.Background(), "opencode", "task-2", "resp-2")
	if Agent(ctx) != "opencode" || TaskID(ctx) != "task-2" || ResponseID(ctx) != "resp-2" {
		t.Fatalf("ids not attached: %v", LogAttrs(ctx))
	}
	if TraceID(ctx) != "-" {
		t.Fatalf("WithExecution must not invent a trace id, got %q", TraceID(ctx))
	}
}

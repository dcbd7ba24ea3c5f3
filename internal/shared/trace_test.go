package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty context trace_id = %q, want -", got)
	}
	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("trace_id = %q", got)
	}
}

func TestSessionAndConnID(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || ConnID(ctx) != "" {
		t.Fatal("expected empty ids on fresh context")
	}
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithConnID(ctx, "conn-7")
	if SessionID(ctx) != "sess-1" {
		t.Fatalf("session id = %q", SessionID(ctx))
	}
	if ConnID(ctx) != "conn-7" {
		t.Fatalf("conn id = %q", ConnID(ctx))
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected unique trace ids")
	}
}

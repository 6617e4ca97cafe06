package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "test-trace-id")

	if got := GetTraceID(ctx); got != "test-trace-id" {
		t.Errorf("Expected trace ID test-trace-id, got %s", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetSessionID(ctx) != "" || GetAgentID(ctx) != "" {
		t.Error("Expected empty values from empty context")
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	tc := &TraceContext{TraceID: "t1", SessionID: "s1", AgentID: "a1"}
	ctx := NewContext(context.Background(), tc)

	got := FromContext(ctx)
	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewSessionContext(t *testing.T) {
	ctx := NewSessionContext(context.Background(), "session-abc")

	if GetSessionID(ctx) != "session-abc" {
		t.Error("Session id not set")
	}
	if GetTraceID(ctx) == "" {
		t.Error("Trace id not generated")
	}
}

package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-123", SessionID: "session-abc", AgentID: "banking"})
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"session_id":"session-abc"`, `"agent_id":"banking"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in log output %s", want, out)
		}
	}
}

package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler_ExposesCollectors(t *testing.T) {
	SetActiveSessions(2)
	RecordSession("created")
	RecordHandoff("tool", 150*time.Millisecond, true)
	RecordHandoff("verified_gate", 0, false)
	RecordBufferedFrame("handing_off")
	RecordDroppedFrame("stale_link")
	RecordStoreOp("merge_memory", time.Millisecond, errors.New("boom"))
	RecordToolExecution("get_balance", time.Millisecond, true)
	RecordToolRejection("CircuitBreakerExceeded")
	RecordDecision("exact")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "switchboard_active_sessions 2")
	assert.Contains(t, text, `switchboard_handoffs_total{status="success",trigger="tool"} 1`)
	assert.Contains(t, text, `switchboard_tool_rejections_total{reason="CircuitBreakerExceeded"} 1`)
	assert.Contains(t, text, `switchboard_store_errors_total{op="merge_memory"} 1`)
}

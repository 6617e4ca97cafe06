package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/harun/switchboard/pkg/workflow"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	worker *Worker
	server *httptest.Server
	store  *session.MemoryStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store := session.NewMemoryStore(clock.New())
	if cfg.AgentID == "" {
		cfg.AgentID = "banking"
	}
	if cfg.Store == nil {
		cfg.Store = store
	}
	cfg.Logger = zerolog.Nop()

	w, err := New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)

	return &harness{t: t, worker: w, server: srv, store: store}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + SessionPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { ws.Close() })
	return ws
}

func (h *harness) open(si protocol.SessionInit) *websocket.Conn {
	ws := h.dial()
	writeFrame(h.t, ws, si)
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func bankingGraph() *workflow.Graph {
	return &workflow.Graph{
		ID:      "banking",
		Persona: "banking",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "triage", Type: workflow.NodeDecision, Instruction: "What does the customer want?"},
			{ID: "balance", Type: workflow.NodeTool, ToolName: "get_balance"},
			{ID: "dispute", Type: workflow.NodeTool, ToolName: "open_dispute"},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "triage"},
			{From: "triage", To: "balance", Label: "balance"},
			{From: "triage", To: "dispute", Label: "dispute"},
			{From: "balance", To: "end"},
			{From: "dispute", To: "end"},
		},
	}
}

func TestNew_RequiresAgentID(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestWorker_FirstFrameMustBeSessionInit(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.dial()

	writeFrame(t, ws, protocol.TextInput{Text: "hello"})

	msg := readFrame(t, ws)
	errMsg, ok := msg.(protocol.Error)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, CodeInitRequired, errMsg.Code)
	assert.True(t, errMsg.Terminal)
}

func TestWorker_PingPong(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.open(protocol.SessionInit{SessionID: "s1"})

	writeFrame(t, ws, protocol.Ping{Timestamp: 42})

	pong, ok := readFrame(t, ws).(protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(42), pong.Timestamp)
}

func TestWorker_NoModelAnswersWithError(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.open(protocol.SessionInit{SessionID: "s1"})

	writeFrame(t, ws, protocol.TextInput{Text: "what's my balance"})

	errMsg, ok := readFrame(t, ws).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, CodeNoModel, errMsg.Code)
	assert.False(t, errMsg.Terminal)
}

func TestWorker_ModelTurnRunsToolsAndReplies(t *testing.T) {
	var rounds atomic.Int32
	model := ModelFunc(func(ctx context.Context, req TurnRequest) (Reply, error) {
		if rounds.Add(1) == 1 {
			return Reply{ToolCalls: []toolexecutor.Call{{ID: "c1", Name: "get_balance", Input: json.RawMessage(`{}`)}}}, nil
		}
		last := req.History[len(req.History)-1]
		if last.Role != RoleTool {
			return Reply{}, assert.AnError
		}
		return Reply{Text: "Your balance is " + last.Text}, nil
	})
	backend := toolexecutor.BackendFunc(func(ctx context.Context, req toolexecutor.BackendRequest) ([]byte, error) {
		return []byte(`120.50`), nil
	})

	h := newHarness(t, Config{Model: model, Backend: backend})
	ws := h.open(protocol.SessionInit{SessionID: "s1"})

	writeFrame(t, ws, protocol.TextInput{Text: "what's my balance"})

	result, ok := readFrame(t, ws).(protocol.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "get_balance", result.Name)
	assert.Equal(t, "120.50", result.Content)

	transcript, ok := readFrame(t, ws).(protocol.Transcript)
	require.True(t, ok)
	assert.Equal(t, "Your balance is 120.50", transcript.Text)
	assert.Equal(t, RoleAssistant, transcript.Role)
	assert.NotEmpty(t, transcript.ID)
	assert.Equal(t, int32(2), rounds.Load())
}

func TestWorker_SessionInitHydratesMemoryAndHandoff(t *testing.T) {
	prompts := make(chan string, 1)
	model := ModelFunc(func(ctx context.Context, req TurnRequest) (Reply, error) {
		prompts <- req.SystemPrompt
		return Reply{}, nil
	})

	h := newHarness(t, Config{Model: model, SystemPrompt: "You are the banking agent."})
	ws := h.open(protocol.SessionInit{
		SessionID: "s1",
		Memory:    &session.Memory{Verified: true, UserName: "Sam"},
		Handoff:   &session.HandoffRequest{FromAgent: "triage", TargetAgent: "banking", Reason: "check balance"},
	})

	writeFrame(t, ws, protocol.SystemTurn{Text: "Greet the customer", Reason: "handoff"})

	select {
	case prompt := <-prompts:
		assert.True(t, strings.HasPrefix(prompt, "You are the banking agent."))
		assert.Contains(t, prompt, "The customer is verified.")
		assert.Contains(t, prompt, "Name: Sam.")
		assert.Contains(t, prompt, "Transferred from the triage agent because: check balance")
		assert.Contains(t, prompt, "comes from the platform")
	case <-time.After(2 * time.Second):
		t.Fatal("model was not called")
	}
}

func TestWorker_SessionInitFallsBackToStoredMemory(t *testing.T) {
	prompts := make(chan string, 1)
	model := ModelFunc(func(ctx context.Context, req TurnRequest) (Reply, error) {
		prompts <- req.SystemPrompt
		return Reply{}, nil
	})

	h := newHarness(t, Config{Model: model})
	require.NoError(t, h.store.SaveMemory(context.Background(), "s1", session.Memory{Verified: true, UserName: "Alex"}, time.Hour))

	ws := h.open(protocol.SessionInit{SessionID: "s1"})
	writeFrame(t, ws, protocol.TextInput{Text: "hi"})

	select {
	case prompt := <-prompts:
		assert.Contains(t, prompt, "Name: Alex.")
	case <-time.After(2 * time.Second):
		t.Fatal("model was not called")
	}
}

func TestWorker_WorkflowStateToolPersistsPosition(t *testing.T) {
	catalog := workflow.NewCatalog(t.TempDir())
	require.NoError(t, catalog.Add(bankingGraph()))

	h := newHarness(t, Config{Catalog: catalog})
	ws := h.open(protocol.SessionInit{
		SessionID: "s1",
		Memory: &session.Memory{Graph: &workflow.GraphState{
			WorkflowID:    "banking",
			CurrentNodeID: "balance",
		}},
	})

	writeFrame(t, ws, protocol.ToolUse{
		ToolUseID: "t1",
		Name:      toolexecutor.WorkflowStateTool,
		Input:     json.RawMessage(`{"node_id":"end","outcome":"balance given"}`),
	})

	result, ok := readFrame(t, ws).(protocol.ToolResult)
	require.True(t, ok)
	require.False(t, result.IsError, result.Content)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content), &out))
	assert.Equal(t, "balance", out["previous"])
	assert.Equal(t, "end", out["current"])
	assert.Equal(t, true, out["valid"])

	mem, err := h.store.GetMemory(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, mem.Graph)
	assert.Equal(t, "end", mem.Graph.CurrentNodeID)
	assert.Equal(t, "balance given", mem.Graph.LastOutcome)
}

func TestWorker_DecisionAdvancesBeforeModel(t *testing.T) {
	catalog := workflow.NewCatalog(t.TempDir())
	require.NoError(t, catalog.Add(bankingGraph()))

	classifier := workflow.ClassifierFunc(func(ctx context.Context, req workflow.ClassifyRequest) (string, error) {
		assert.Equal(t, "What does the customer want?", req.Instruction)
		assert.Equal(t, []string{"I want to dispute a payment"}, req.Recent)
		return "Dispute", nil
	})

	var mu sync.Mutex
	var prompt string
	done := make(chan struct{})
	model := ModelFunc(func(ctx context.Context, req TurnRequest) (Reply, error) {
		mu.Lock()
		prompt = req.SystemPrompt
		mu.Unlock()
		close(done)
		return Reply{}, nil
	})

	h := newHarness(t, Config{Catalog: catalog, Classifier: classifier, Model: model})
	ws := h.open(protocol.SessionInit{
		SessionID: "s1",
		Memory:    &session.Memory{Graph: &workflow.GraphState{WorkflowID: "banking", CurrentNodeID: "triage"}},
	})

	writeFrame(t, ws, protocol.TextInput{Text: "I want to dispute a payment"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("model was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, prompt, "Current workflow step: dispute.")

	mem, err := h.store.GetMemory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "dispute", mem.Graph.CurrentNodeID)
	assert.Equal(t, "dispute", mem.Graph.LastOutcome)
}

func TestWorker_VerifiedHandoffFollowsToolResult(t *testing.T) {
	backend := toolexecutor.BackendFunc(func(ctx context.Context, req toolexecutor.BackendRequest) ([]byte, error) {
		return []byte(`{"statusCode":200,"body":"{\"auth_status\":\"VERIFIED\",\"customer_name\":\"Sam\"}"}`), nil
	})

	h := newHarness(t, Config{
		AgentID:          "idv",
		Role:             registry.RoleVerification,
		NextAgent:        "banking",
		VerificationTool: "perform_idv_check",
		Backend:          backend,
	})
	ws := h.open(protocol.SessionInit{SessionID: "s1", Memory: &session.Memory{UserIntent: "check balance"}})

	writeFrame(t, ws, protocol.ToolUse{
		ToolUseID: "t1",
		Name:      "perform_idv_check",
		Input:     json.RawMessage(`{"account_number":"12345678","sort_code":"112233"}`),
	})

	result, ok := readFrame(t, ws).(protocol.ToolResult)
	require.True(t, ok)
	assert.False(t, result.IsError)
	assert.Nil(t, result.Handoff)

	handoff, ok := readFrame(t, ws).(protocol.HandoffRequest)
	require.True(t, ok)
	assert.Equal(t, "banking", handoff.Handoff.TargetAgent)
	assert.Equal(t, "idv", handoff.Handoff.FromAgent)
	assert.Equal(t, "check balance", handoff.Handoff.Reason)
	assert.True(t, handoff.Handoff.Verified)
	assert.Equal(t, "Sam", handoff.Handoff.UserName)
}

func TestWorker_HandoffToolResultCarriesRequest(t *testing.T) {
	h := newHarness(t, Config{AgentID: "triage"})
	ws := h.open(protocol.SessionInit{SessionID: "s1"})

	writeFrame(t, ws, protocol.ToolUse{
		ToolUseID: "t1",
		Name:      "transfer_to_mortgage",
		Input:     json.RawMessage(`{"reason":"remortgage"}`),
	})

	result, ok := readFrame(t, ws).(protocol.ToolResult)
	require.True(t, ok)
	require.NotNil(t, result.Handoff)
	assert.Equal(t, "mortgage", result.Handoff.TargetAgent)
	assert.Equal(t, "remortgage", result.Handoff.Reason)
}

func TestWorker_ToolSpecs(t *testing.T) {
	w, err := New(Config{
		AgentID:          "banking",
		VerificationTool: "perform_idv_check",
		HandoffTargets:   []string{"mortgage"},
		ReturnTarget:     "triage",
		Tools:            []ToolSpec{{Name: "get_balance", Description: "Balance"}},
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)

	names := []string{}
	for _, spec := range w.toolSpecs() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{
		toolexecutor.WorkflowStateTool,
		"get_balance",
		"perform_idv_check",
		"transfer_to_mortgage",
		"return_to_triage",
	}, names)
}

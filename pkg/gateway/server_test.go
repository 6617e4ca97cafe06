package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/harun/switchboard/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_Validation(t *testing.T) {
	fake := clock.NewFake(time.Now())
	store := session.NewMemoryStore(fake)
	reg := registry.New(fake, time.Minute)

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "no store", cfg: Config{Registry: reg, DefaultAgent: "triage"}, wantErr: "session store"},
		{name: "no registry", cfg: Config{Store: store, DefaultAgent: "triage"}, wantErr: "agent registry"},
		{name: "no default agent", cfg: Config{Store: store, Registry: reg}, wantErr: "default agent"},
		{name: "negative port", cfg: Config{Port: -1, Store: store, Registry: reg, DefaultAgent: "triage"}, wantErr: "invalid port"},
		{name: "valid", cfg: Config{Store: store, Registry: reg, DefaultAgent: "triage"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewServer(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultTimers(), srv.cfg.Timers)
			assert.Equal(t, defaultSessionTTL, srv.cfg.SessionTTL)
			assert.Equal(t, "perform_idv_check", srv.cfg.VerificationTool)
			assert.NotNil(t, srv.dialer)
			assert.NotNil(t, srv.extractor)
		})
	}
}

func TestServer_HTTPSurface(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RegistrySecret = "reg" })
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/agents/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/agents/register",
		strings.NewReader(`{"id":"mortgage","url":"http://mortgage.local","capabilities":["mortgage"]}`))
	require.NoError(t, err)
	req.Header.Set(registry.SecretHeader, "reg")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, resp.StatusCode, 300)

	assert.True(t, h.reg.IsHealthy("mortgage"))
	assert.Equal(t, "mortgage", h.srv.router.ForWorkflow("mortgage"))
}

func wsURL(base, query string) string {
	return WebsocketURL(base, ClientPath) + query
}

func TestServer_ClientAuthAndResumeToken(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ClientSecret = "s3cret" })
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "?token=s3cret"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	connected, ok := msg.(protocol.Connected)
	require.True(t, ok)
	assert.NotEmpty(t, connected.ResumeToken)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts.URL, "?token=s3cret&session_id="+connected.SessionID+"&resume_token=forged"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_StopNotifiesClientsAndKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, agent := h.attach()

	require.NoError(t, h.srv.Stop(context.Background()))

	errMsg, ok := client.nextMsg(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, CodeShutdown, errMsg.Code)
	assert.True(t, errMsg.Terminal)

	<-sess.stopped
	agent.waitClosed(t)
	client.waitClosed(t)

	_, err := h.store.GetSession(context.Background(), sess.ID())
	assert.NoError(t, err)
}

func TestBroadcaster_ReachesConnectedSessions(t *testing.T) {
	h := newHarness(t, nil)
	first, _, _ := h.open("")
	second, _, _ := h.open("")

	n := h.srv.Broadcaster().Broadcast(protocol.Error{Code: "maintenance", Message: "restart in 5 minutes"})
	assert.Equal(t, 2, n)

	for _, c := range []*fakeConn{first, second} {
		errMsg, ok := c.nextMsg(t).(protocol.Error)
		require.True(t, ok)
		assert.Equal(t, "maintenance", errMsg.Code)
		assert.False(t, errMsg.Terminal)
	}
}

func TestSessionRegistry(t *testing.T) {
	reg := NewSessionRegistry()
	a := &Session{id: "b"}
	b := &Session{id: "a"}

	assert.True(t, reg.Add(a))
	assert.True(t, reg.Add(b))
	assert.False(t, reg.Add(&Session{id: "a"}))
	assert.Equal(t, 2, reg.Count())

	all := reg.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].id)

	reg.Remove("a")
	_, ok := reg.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Count())
}

// A field written by one worker is visible to the next worker once the
// gateway has routed the session to it.
func TestEndToEnd_VerifiedMemoryReachesNextWorker(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewMemoryStore(fake)

	backend := toolexecutor.BackendFunc(func(ctx context.Context, req toolexecutor.BackendRequest) ([]byte, error) {
		var input map[string]string
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, err
		}
		return []byte(`{"statusCode":200,"body":"{\"auth_status\":\"VERIFIED\",\"customer_name\":\"Sam\",\"account_number\":\"` +
			input["account_number"] + `\"}"}`), nil
	})
	idv, err := worker.New(worker.Config{
		AgentID:          "idv",
		Role:             registry.RoleVerification,
		NextAgent:        "banking",
		VerificationTool: "perform_idv_check",
		Backend:          backend,
		Store:            store,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)

	prompts := make(chan string, 4)
	banking, err := worker.New(worker.Config{
		AgentID:      "banking",
		SystemPrompt: "You are the banking agent.",
		Store:        store,
		Logger:       zerolog.Nop(),
		Model: worker.ModelFunc(func(ctx context.Context, req worker.TurnRequest) (worker.Reply, error) {
			prompts <- req.SystemPrompt
			return worker.Reply{Text: "Hello Sam, how can I help?"}, nil
		}),
	})
	require.NoError(t, err)

	idvServer := httptest.NewServer(idv.Handler())
	t.Cleanup(idvServer.Close)
	bankingServer := httptest.NewServer(banking.Handler())
	t.Cleanup(bankingServer.Close)

	reg := registry.New(fake, time.Hour)
	require.NoError(t, reg.Register(registry.AgentInfo{ID: "idv", URL: idvServer.URL, Role: registry.RoleVerification}))
	require.NoError(t, reg.Register(registry.AgentInfo{ID: "banking", URL: bankingServer.URL}))

	srv, err := NewServer(Config{
		DefaultAgent:          "idv",
		PostVerificationAgent: "banking",
		NudgeOnHandoff:        true,
		Store:                 store,
		Registry:              reg,
		Clock:                 fake,
		Logger:                zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.broadcaster.Shutdown(time.Second) })

	client := newFakeConn()
	sess := srv.acceptConnection(client, "")
	require.NotNil(t, sess)
	_, ok := client.nextMsg(t).(protocol.Connected)
	require.True(t, ok)

	client.push(protocol.ToolUse{
		ToolUseID: "t1",
		Name:      "perform_idv_check",
		Input:     json.RawMessage(`{"account_number":"12345678","sort_code":"112233"}`),
	})

	result, ok := client.nextMsg(t).(protocol.ToolResult)
	require.True(t, ok)
	assert.False(t, result.IsError, result.Content)

	eventually(t, sess, func(s *Session) bool { return s.gate != nil && s.verifiedHandoff != nil })
	fake.Advance(srv.cfg.Timers.VerifiedSettleDelay)

	event, ok := client.nextMsg(t).(protocol.HandoffEvent)
	require.True(t, ok)
	assert.Equal(t, "idv", event.From)
	assert.Equal(t, "banking", event.To)

	select {
	case prompt := <-prompts:
		assert.Contains(t, prompt, "The customer is verified.")
		assert.Contains(t, prompt, "Name: Sam.")
	case <-time.After(waitFor):
		t.Fatal("banking worker never ran a turn")
	}

	tr, ok := client.nextMsg(t).(protocol.Transcript)
	require.True(t, ok)
	assert.Equal(t, "Hello Sam, how can I help?", tr.Text)

	mem, err := store.GetMemory(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.True(t, mem.Verified)
	assert.Equal(t, "12345678", mem.Account)
}

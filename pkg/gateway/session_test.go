package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. Tests push frames the gateway will read and
// pop frames the gateway wrote.
type fakeConn struct {
	in     chan frame
	out    chan frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 64),
		out:    make(chan frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame{msgType: msgType, data: data}:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(msg protocol.Message) []byte {
	data := protocol.MustEncode(msg)
	c.in <- textFrame(data)
	return data
}

func (c *fakeConn) pushBinary(data []byte) {
	c.in <- frame{msgType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

func (c *fakeConn) nextMsg(t *testing.T) protocol.Message {
	t.Helper()
	f := c.next(t)
	msg, err := protocol.Decode(f.data)
	require.NoError(t, err, "frame: %s", f.data)
	return msg
}

func (c *fakeConn) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.out:
		t.Fatalf("unexpected frame: %s", f.data)
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	require.Eventually(t, c.isClosed, waitFor, 5*time.Millisecond)
}

type dial struct {
	agent registry.AgentInfo
	conn  *fakeConn
}

// fakeDialer hands out fakeConns. Agents can be made to fail or hang.
type fakeDialer struct {
	mu     sync.Mutex
	fail   map[string]error
	hang   map[string]bool
	counts map[string]int
	dials  chan dial
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		fail:   map[string]error{},
		hang:   map[string]bool{},
		counts: map[string]int{},
		dials:  make(chan dial, 32),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, agent registry.AgentInfo) (Conn, error) {
	d.mu.Lock()
	d.counts[agent.ID]++
	err := d.fail[agent.ID]
	hang := d.hang[agent.ID]
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.dials <- dial{agent: agent, conn: conn}
	return conn, nil
}

func (d *fakeDialer) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[id]
}

func (d *fakeDialer) setFail(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[id] = err
}

func (d *fakeDialer) setHang(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hang[id] = true
}

func (d *fakeDialer) next(t *testing.T) dial {
	t.Helper()
	select {
	case dl := <-d.dials:
		return dl
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a dial")
		return dial{}
	}
}

type harness struct {
	t      *testing.T
	clock  *clock.Fake
	store  *session.MemoryStore
	reg    *registry.Registry
	dialer *fakeDialer
	srv    *Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	fake := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewMemoryStore(fake)
	reg := registry.New(fake, 24*time.Hour)
	for _, a := range []registry.AgentInfo{
		{ID: "triage", Role: registry.RoleDefault},
		{ID: "idv", Role: registry.RoleVerification},
		{ID: "banking"},
		{ID: "disputes"},
	} {
		a.URL = "http://" + a.ID + ".local"
		require.NoError(t, reg.Register(a))
	}

	dialer := newFakeDialer()
	cfg := Config{
		DefaultAgent:          "triage",
		PostVerificationAgent: "banking",
		VerificationTool:      "perform_idv_check",
		WorkflowAgents:        map[string]string{"identity": "idv"},
		Store:                 store,
		Registry:              reg,
		Dialer:                dialer,
		Clock:                 fake,
		Logger:                zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.broadcaster.Shutdown(time.Second) })

	return &harness{t: t, clock: fake, store: store, reg: reg, dialer: dialer, srv: srv}
}

// open connects a client and consumes its connected frame.
func (h *harness) open(resumeID string) (*fakeConn, *Session, protocol.Connected) {
	h.t.Helper()
	client := newFakeConn()
	sess := h.srv.acceptConnection(client, resumeID)
	require.NotNil(h.t, sess)

	connected, ok := client.nextMsg(h.t).(protocol.Connected)
	require.True(h.t, ok)
	return client, sess, connected
}

// attach opens a session and drives it onto the default agent with a first utterance.
func (h *harness) attach() (*fakeConn, *Session, *fakeConn) {
	h.t.Helper()
	client, sess, _ := h.open("")
	client.push(protocol.TextInput{Text: "hello"})

	dl := h.dialer.next(h.t)
	_, ok := dl.conn.nextMsg(h.t).(protocol.SessionInit)
	require.True(h.t, ok)
	_, ok = dl.conn.nextMsg(h.t).(protocol.TextInput)
	require.True(h.t, ok)
	return client, sess, dl.conn
}

// eventually polls fn on the session loop.
func eventually(t *testing.T, sess *Session, fn func(s *Session) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok := false
		sess.postAndWait(func() { ok = fn(sess) })
		return ok
	}, waitFor, 5*time.Millisecond)
}

// onLoop runs fn on the session loop and waits for it.
func onLoop(t *testing.T, sess *Session, fn func(s *Session)) {
	t.Helper()
	require.True(t, sess.postAndWait(func() { fn(sess) }))
}

func TestAcceptConnection_DefersResolution(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, connected := h.open("")

	assert.Equal(t, sess.ID(), connected.SessionID)
	assert.False(t, connected.Resumed)
	assert.Empty(t, connected.ResumeToken)

	client.push(protocol.Ping{Timestamp: 7})
	pong, ok := client.nextMsg(t).(protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(7), pong.Timestamp)

	assert.Zero(t, h.dialer.count("triage"))
	_, err := h.store.GetSession(context.Background(), sess.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAcceptConnection_ResumeTokenWhenAuthEnabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ClientSecret = "s3cret" })
	_, sess, connected := h.open("")

	assert.Equal(t, h.srv.auth.ResumeToken(sess.ID()), connected.ResumeToken)
	assert.True(t, h.srv.auth.VerifyResumeToken(sess.ID(), connected.ResumeToken))
}

func TestForwardInbound_BuffersUntilInitializedInOrder(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, _ := h.open("")

	first := client.push(protocol.TextInput{Text: "hello"})
	client.pushBinary([]byte{0x01, 0x02, 0x03})
	second := client.push(protocol.TextInput{Text: "are you there"})

	dl := h.dialer.next(t)
	assert.Equal(t, "triage", dl.agent.ID)

	init, ok := dl.conn.nextMsg(t).(protocol.SessionInit)
	require.True(t, ok)
	assert.Equal(t, sess.ID(), init.SessionID)
	assert.NotEmpty(t, init.TraceID)
	assert.Equal(t, "triage", init.AgentID)

	assert.Equal(t, first, dl.conn.next(t).data)
	bin := dl.conn.next(t)
	assert.Equal(t, websocket.BinaryMessage, bin.msgType)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, bin.data)
	assert.Equal(t, second, dl.conn.next(t).data)

	assert.Equal(t, 1, h.dialer.count("triage"), "a second resolution while connecting must be a no-op")

	rec, err := h.store.GetSession(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "triage", rec.CurrentAgentID)
}

func TestForwardInbound_ExtractionMergedBeforeSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, _ := h.open("")

	client.push(protocol.TextInput{Text: "check my balance, account 12345678"})

	dl := h.dialer.next(t)
	init, ok := dl.conn.nextMsg(t).(protocol.SessionInit)
	require.True(t, ok)
	require.NotNil(t, init.Memory)
	assert.Equal(t, "12345678", init.Memory.PartialAccount)
	assert.Equal(t, "check my balance, account 12345678", init.Memory.UserIntent)
	assert.False(t, init.Memory.Verified)

	mem, err := h.store.GetMemory(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "12345678", mem.PartialAccount)
}

func TestForwardInbound_UndecodableFrameRelayedOpaque(t *testing.T) {
	h := newHarness(t, nil)
	client, _, agent := h.attach()

	raw := []byte(`{"type": "text_input", "text": `)
	client.in <- textFrame(raw)

	assert.Equal(t, raw, agent.next(t).data)
}

func TestForwardInbound_UnknownKindRelayed(t *testing.T) {
	h := newHarness(t, nil)
	client, _, agent := h.attach()

	raw := []byte(`{"type":"audio_config","rate":16000}`)
	client.in <- textFrame(raw)

	assert.Equal(t, raw, agent.next(t).data)
}

func TestSelectWorkflow_RoutesToMappedAgent(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, _ := h.open("")

	client.push(protocol.SelectWorkflow{WorkflowID: "identity"})

	dl := h.dialer.next(t)
	assert.Equal(t, "idv", dl.agent.ID)
	init, ok := dl.conn.nextMsg(t).(protocol.SessionInit)
	require.True(t, ok)
	assert.Equal(t, "identity", init.WorkflowID)

	rec, err := h.store.GetSession(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "idv", rec.CurrentAgentID)
	assert.Equal(t, "identity", rec.WorkflowID)
}

func TestNoAgent_TerminalErrorAndNoSession(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultAgent = "nobody" })
	client, sess, _ := h.open("")

	client.push(protocol.TextInput{Text: "hello"})

	errMsg, ok := client.nextMsg(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, CodeNoAgent, errMsg.Code)
	assert.True(t, errMsg.Terminal)

	client.waitClosed(t)
	<-sess.stopped
	_, err := h.store.GetSession(context.Background(), sess.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, h.srv.sessions.Count())
}

func TestInitialDialFailureFallsBackToDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setFail("idv", errors.New("refused"))
	client, _, _ := h.open("")

	client.push(protocol.SelectWorkflow{WorkflowID: "identity"})

	dl := h.dialer.next(t)
	assert.Equal(t, "triage", dl.agent.ID)
	assert.Equal(t, 1, h.dialer.count("idv"))
}

func TestDownstream_TranscriptDeduplicated(t *testing.T) {
	h := newHarness(t, nil)
	client, _, agent := h.attach()

	agent.push(protocol.Transcript{ID: "m1", Role: "assistant", Text: "Hi"})
	agent.push(protocol.Transcript{ID: "m1", Role: "assistant", Text: "Hi"})
	agent.push(protocol.Transcript{ID: "m2", Role: "assistant", Text: "How can I help?"})

	first, ok := client.nextMsg(t).(protocol.Transcript)
	require.True(t, ok)
	assert.Equal(t, "m1", first.ID)

	second, ok := client.nextMsg(t).(protocol.Transcript)
	require.True(t, ok)
	assert.Equal(t, "m2", second.ID)
	client.assertQuiet(t)
}

func TestDownstream_TranscriptCacheEvictsOldest(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TranscriptCacheSize = 2 })
	client, _, agent := h.attach()

	for _, id := range []string{"a", "b", "c", "a"} {
		agent.push(protocol.Transcript{ID: id, Text: id})
	}

	var ids []string
	for i := 0; i < 4; i++ {
		tr, ok := client.nextMsg(t).(protocol.Transcript)
		require.True(t, ok)
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, ids)
}

func TestDownstream_MemoryUpdateMergedNotRelayed(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, agent := h.attach()

	agent.push(protocol.UpdateMemory{Memory: session.MemoryPatch{UserName: session.String("Sam")}})
	agent.push(protocol.Transcript{ID: "m1", Text: "Thanks Sam"})

	tr, ok := client.nextMsg(t).(protocol.Transcript)
	require.True(t, ok)
	assert.Equal(t, "m1", tr.ID)

	require.Eventually(t, func() bool {
		mem, err := h.store.GetMemory(context.Background(), sess.ID())
		return err == nil && mem.UserName == "Sam"
	}, waitFor, 5*time.Millisecond)
}

func TestClientMemoryUpdateMergedAndForwarded(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, agent := h.attach()

	raw := client.push(protocol.UpdateMemory{Memory: session.MemoryPatch{UserIntent: session.String("open a dispute")}})
	assert.Equal(t, raw, agent.next(t).data)

	require.Eventually(t, func() bool {
		mem, err := h.store.GetMemory(context.Background(), sess.ID())
		return err == nil && mem.UserIntent == "open a dispute"
	}, waitFor, 5*time.Millisecond)
}

func TestAgentDisconnect_ReconnectsOnNextContent(t *testing.T) {
	h := newHarness(t, nil)
	client, _, agent := h.attach()

	agent.Close()
	errMsg, ok := client.nextMsg(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, CodeAgentDisconnected, errMsg.Code)
	assert.False(t, errMsg.Terminal)

	raw := client.push(protocol.TextInput{Text: "still there?"})
	dl := h.dialer.next(t)
	assert.Equal(t, "triage", dl.agent.ID)
	_, ok = dl.conn.nextMsg(t).(protocol.SessionInit)
	require.True(t, ok)
	assert.Equal(t, raw, dl.conn.next(t).data)
}

func TestTeardown_GraceThenPurge(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, agent := h.attach()
	ctx := context.Background()

	client.Close()
	eventually(t, sess, func(s *Session) bool { return s.graceTimer != nil })
	assert.False(t, agent.isClosed(), "downstream stays open during the grace period")

	h.clock.Advance(h.srv.cfg.Timers.DisconnectGrace)
	agent.waitClosed(t)
	eventually(t, sess, func(s *Session) bool { return s.purgeTimer != nil })

	_, err := h.store.GetSession(ctx, sess.ID())
	require.NoError(t, err, "records survive until the purge delay")

	h.clock.Advance(h.srv.cfg.Timers.PurgeDelay)
	<-sess.stopped

	_, err = h.store.GetSession(ctx, sess.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = h.store.GetMemory(ctx, sess.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, h.srv.sessions.Count())
}

func TestReconnect_WithinPurgeWindowResumes(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, agent := h.attach()
	id := sess.ID()

	client.Close()
	eventually(t, sess, func(s *Session) bool { return s.graceTimer != nil })
	h.clock.Advance(h.srv.cfg.Timers.DisconnectGrace)
	agent.waitClosed(t)

	client2, sess2, connected := h.open(id)
	<-sess.stopped
	assert.Equal(t, id, connected.SessionID)
	assert.True(t, connected.Resumed)

	dl := h.dialer.next(t)
	assert.Equal(t, "triage", dl.agent.ID)
	init, ok := dl.conn.nextMsg(t).(protocol.SessionInit)
	require.True(t, ok)
	assert.Equal(t, id, init.SessionID)

	raw := client2.push(protocol.TextInput{Text: "back again"})
	assert.Equal(t, raw, dl.conn.next(t).data)

	h.clock.Advance(h.srv.cfg.Timers.PurgeDelay)
	_, err := h.store.GetSession(context.Background(), id)
	assert.NoError(t, err, "the released session must not purge the resumed one")
	assert.Equal(t, sess2, mustGet(t, h.srv.sessions, id))
}

func TestReconnect_WhileAttachedRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, sess, _ := h.attach()

	second := newFakeConn()
	assert.Nil(t, h.srv.acceptConnection(second, sess.ID()))

	errMsg, ok := second.nextMsg(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, CodeSessionInUse, errMsg.Code)
	assert.True(t, errMsg.Terminal)
	second.waitClosed(t)
}

func TestReconnect_UnknownSessionStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	_, sess, connected := h.open("gone")

	assert.NotEqual(t, "gone", sess.ID())
	assert.False(t, connected.Resumed)
}

func mustGet(t *testing.T, reg *SessionRegistry, id string) *Session {
	t.Helper()
	s, ok := reg.Get(id)
	require.True(t, ok)
	return s
}

func TestDownstream_ClientNotReadingDoesNotStallSession(t *testing.T) {
	h := newHarness(t, nil)
	client, sess, agent := h.attach()

	for i := 0; i < 1000; i++ {
		agent.push(protocol.Transcript{ID: fmt.Sprintf("m%d", i), Role: "assistant", Text: fmt.Sprintf("line %d", i)})
	}

	client.waitClosed(t)
	done := make(chan bool, 1)
	go func() { done <- sess.postAndWait(func() {}) }()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("session loop blocked by a client that stopped reading")
	}
}

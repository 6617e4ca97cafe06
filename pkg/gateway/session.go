package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/session"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	eventQueueDepth     = 256
	recordTouchInterval = 15 * time.Second
)

// Session is one client conversation. All of its state is owned by a single
// event loop goroutine; readers, dial results, store results and timers post
// closures onto that loop.
type Session struct {
	id      string
	traceID string
	ctx     context.Context
	srv     *Server
	logger  zerolog.Logger

	events  chan func()
	done    chan struct{}
	stopped chan struct{}
	queue   *storeQueue

	// Everything below is touched only on the loop.
	finished     bool
	client       *outbox
	record       *session.Session
	memory       session.Memory
	agentID      string
	workflowID   string
	lastUserText string
	lastSaved    time.Time

	active     *link
	links      map[uint64]*link
	nextLinkID uint64
	pending    *attempt
	handingOff bool
	buffer     []frame

	transcripts     *lru.Cache[string, struct{}]
	gate            clock.Timer
	verifiedHandoff *session.HandoffRequest

	disconnected bool
	graceTimer   clock.Timer
	purgeTimer   clock.Timer
}

func newSession(srv *Server, id string, record *session.Session) *Session {
	ctx := tracing.NewSessionContext(context.Background(), id)
	logger := tracing.LoggerFromContext(ctx, srv.logger)

	transcripts, err := lru.New[string, struct{}](srv.cfg.TranscriptCacheSize)
	if err != nil {
		transcripts, _ = lru.New[string, struct{}](defaultTranscriptSize)
	}

	s := &Session{
		id:          id,
		traceID:     tracing.GetTraceID(ctx),
		ctx:         ctx,
		srv:         srv,
		logger:      logger,
		events:      make(chan func(), eventQueueDepth),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		queue:       newStoreQueue(srv.cfg.StoreTimeout, logger),
		links:       make(map[uint64]*link),
		transcripts: transcripts,
	}
	if record != nil {
		rec := *record
		s.record = &rec
		s.agentID = rec.CurrentAgentID
		s.workflowID = rec.WorkflowID
	}
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// post schedules fn on the session loop. It reports false once the loop has exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// postAndWait runs fn on the loop and blocks until it has run.
func (s *Session) postAndWait(fn func()) bool {
	ran := make(chan struct{})
	if !s.post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// after schedules fn on the loop once d has elapsed.
func (s *Session) after(d time.Duration, fn func()) clock.Timer {
	return s.srv.clock.AfterFunc(d, func() {
		s.post(fn)
	})
}

func (s *Session) run() {
	defer func() {
		close(s.done)
		s.queue.close()
		s.srv.sessions.Remove(s.id)
		observability.SetActiveSessions(s.srv.sessions.Count())
		close(s.stopped)
		s.logger.Info().Msg("Session ended")
	}()

	for !s.finished {
		fn := <-s.events
		fn()
	}
}

// start attaches the client connection and begins serving it.
func (s *Session) start(conn Conn, resumed bool) {
	go s.run()

	s.post(func() {
		s.client = newOutbox(conn, s.logger)

		token := ""
		if s.srv.auth.Enabled() {
			token = s.srv.auth.ResumeToken(s.id)
		}
		s.sendClient(protocol.Connected{SessionID: s.id, Resumed: resumed, ResumeToken: token})

		if resumed {
			s.resume()
		}
	})

	go s.readClient(conn)
}

func (s *Session) readClient(conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Client read ended")
			}
			s.post(s.onClientClosed)
			return
		}
		f := frame{msgType: msgType, data: data}
		if !s.post(func() { s.onClientFrame(f) }) {
			conn.Close()
			return
		}
	}
}

func (s *Session) onClientFrame(f frame) {
	if s.disconnected || s.finished {
		return
	}
	s.touch()

	if f.msgType == websocket.BinaryMessage || protocol.IsBinary(f.data) {
		s.forwardInbound(f)
		return
	}

	msg, err := protocol.Decode(f.data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Undecodable client frame relayed as opaque payload")
		s.forwardInbound(f)
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		s.sendClient(protocol.Pong{Timestamp: m.Timestamp})

	case protocol.SelectWorkflow:
		s.selectWorkflow(m.WorkflowID)

	case protocol.SessionInit:
		if m.WorkflowID != "" {
			s.selectWorkflow(m.WorkflowID)
		}

	case protocol.TextInput:
		s.forwardInbound(f)
		s.lastUserText = m.Text
		s.extract(m.Text)

	case protocol.UpdateMemory:
		s.mergeMemory(m.Memory)
		s.forwardInbound(f)

	case protocol.ToolResult:
		target, isReturn, ok := protocol.HandoffTarget(m.Name)
		if !ok {
			s.forwardInbound(f)
			return
		}
		if reason, blocked := handoffBlocked(m); blocked {
			s.forwardInbound(f)
			s.logger.Info().Str("tool", m.Name).Str("gate", reason).Msg("Blocked handoff result relayed without routing")
			return
		}
		h := s.handoffFor(m, target, isReturn)
		if s.active == nil {
			// No link yet: dial the tool's target rather than the default,
			// and hold the result for it.
			s.dropInitialAttempt()
			s.beginHandoff(TriggerTool, s.srv.router.ForTool(m.Name), h)
			s.forwardInbound(f)
			return
		}
		s.forwardInbound(f)
		s.beginHandoff(TriggerTool, s.srv.router.ForTool(m.Name), h)

	default:
		s.forwardInbound(f)
	}
}

// forwardInbound sends a client frame to the active link, or queues it while
// no link is ready.
func (s *Session) forwardInbound(f frame) {
	if s.active != nil && !s.handingOff && s.pending == nil {
		s.active.send(f)
		return
	}

	reason := "unresolved"
	switch {
	case s.handingOff:
		reason = "handing_off"
	case s.pending != nil:
		reason = "connecting"
	}
	s.buffer = append(s.buffer, f)
	observability.RecordBufferedFrame(reason)

	if s.active == nil && s.pending == nil && !s.handingOff {
		s.ensureResolved()
	}
}

// flush releases buffered frames, in arrival order, to a ready link.
func (s *Session) flush() {
	if s.active == nil || s.handingOff || s.pending != nil || len(s.buffer) == 0 {
		return
	}
	s.logger.Debug().Int("frames", len(s.buffer)).Str("agent_id", s.active.agent.ID).Msg("Flushing buffered frames")
	for _, f := range s.buffer {
		s.active.send(f)
	}
	s.buffer = nil
}

func (s *Session) extract(text string) {
	if s.srv.extractor == nil {
		return
	}
	patch := s.srv.extractor.Extract(text, s.memory)
	s.mergeMemory(patch)
}

// mergeMemory applies patch to the local view and queues the store merge.
func (s *Session) mergeMemory(patch session.MemoryPatch) {
	if patch.IsEmpty() {
		return
	}
	s.memory = s.memory.Apply(patch, s.srv.clock.Now())

	store, id, ttl := s.srv.store, s.id, s.srv.cfg.SessionTTL
	s.queue.enqueue("merge_memory", func(ctx context.Context) error {
		_, err := store.MergeMemory(ctx, id, patch, ttl)
		return err
	})
}

// saveRecord writes the routing record, creating it on first use.
func (s *Session) saveRecord() {
	now := s.srv.clock.Now()
	if s.record == nil {
		s.record = &session.Session{
			ID:        s.id,
			StartTime: now,
			Context:   map[string]interface{}{"traceId": s.traceID},
		}
	}
	s.record.CurrentAgentID = s.agentID
	s.record.WorkflowID = s.workflowID
	s.record.LastActivity = now
	s.lastSaved = now

	rec := *s.record
	store, ttl := s.srv.store, s.srv.cfg.SessionTTL
	s.queue.enqueue("save_session", func(ctx context.Context) error {
		return store.SaveSession(ctx, rec, ttl)
	})
}

// touch refreshes the record's activity time, at most once per interval.
func (s *Session) touch() {
	if s.record == nil {
		return
	}
	if s.srv.clock.Now().Sub(s.lastSaved) >= recordTouchInterval {
		s.saveRecord()
	}
}

func (s *Session) sendClient(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Kind())).Msg("Failed to encode client frame")
		return
	}
	s.relayToClient(textFrame(data))
}

func (s *Session) relayToClient(f frame) {
	if s.client == nil {
		return
	}
	s.client.send(f)
}

func (s *Session) sendError(code, message string, terminal bool) {
	s.sendClient(protocol.Error{Code: code, Message: message, Terminal: terminal})
}

// abort ends a session that cannot be served.
func (s *Session) abort(code, message string) {
	s.logger.Error().Str("code", code).Msg(message)
	s.sendError(code, message, true)
	if s.client != nil {
		s.client.close()
	}

	if s.record == nil {
		observability.RecordSession("rejected")
		s.closeLinks()
		s.finished = true
		return
	}
	s.onClientClosed()
}

// onClientClosed starts the two-stage teardown: close downstream after the
// grace period, purge stored state after the purge delay.
func (s *Session) onClientClosed() {
	if s.disconnected || s.finished {
		return
	}
	s.disconnected = true
	s.handingOff = true
	s.cancelGate()
	if s.client != nil {
		s.client.close()
	}

	s.logger.Info().Dur("grace", s.srv.cfg.Timers.DisconnectGrace).Msg("Client disconnected")
	s.graceTimer = s.after(s.srv.cfg.Timers.DisconnectGrace, s.onGraceElapsed)
}

func (s *Session) onGraceElapsed() {
	s.graceTimer = nil
	if s.finished {
		return
	}
	s.closeLinks()
	s.logger.Debug().Dur("purge_delay", s.srv.cfg.Timers.PurgeDelay).Msg("Downstream closed after grace period")
	s.purgeTimer = s.after(s.srv.cfg.Timers.PurgeDelay, s.purge)
}

func (s *Session) purge() {
	s.purgeTimer = nil
	if s.finished {
		return
	}

	store, id := s.srv.store, s.id
	s.queue.enqueue("delete_session", func(ctx context.Context) error {
		return store.DeleteSession(ctx, id)
	})
	s.queue.enqueue("delete_memory", func(ctx context.Context) error {
		return store.DeleteMemory(ctx, id)
	})

	observability.RecordSession("purged")
	s.logger.Info().Msg("Session state purged")
	s.finished = true
}

// release hands a disconnected session over to a reconnecting client. The
// stored records are kept. It reports false while a client is still attached.
func (s *Session) release() bool {
	if !s.disconnected {
		return false
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if s.purgeTimer != nil {
		s.purgeTimer.Stop()
	}
	s.closeLinks()
	s.finished = true
	s.logger.Info().Msg("Session released for reconnect")
	return true
}

// shutdown notifies the client and stops without purging, so a restarted
// gateway can resume from the store.
func (s *Session) shutdown() {
	if s.finished {
		return
	}
	if s.client != nil {
		s.client.close()
	}
	for _, t := range []clock.Timer{s.graceTimer, s.purgeTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.cancelGate()
	s.closeLinks()
	s.finished = true
}

func (s *Session) closeLinks() {
	if s.pending != nil {
		s.pending.abandon()
		s.pending = nil
	}
	for id, l := range s.links {
		l.close()
		delete(s.links, id)
	}
	s.active = nil
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
)

// ErrConnectTimeout is reported when a downstream connection is not ready in time.
var ErrConnectTimeout = errors.New("downstream connection timed out")

// attempt is a downstream connection being established.
type attempt struct {
	id      uint64
	agent   registry.AgentInfo
	trigger string
	handoff *session.HandoffRequest
	started time.Time
	cancel  context.CancelFunc
	timer   clock.Timer
	conn    Conn
}

func (a *attempt) abandon() {
	a.cancel()
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

// resume reconnects a restored session to the agent it last talked to.
func (s *Session) resume() {
	target := s.agentID
	if target == "" {
		target = s.srv.router.Default()
	}
	agent, fellBack, err := s.srv.router.Resolve(target)
	if err != nil {
		s.abort(CodeNoAgent, "no agent available to resume the session")
		return
	}
	if fellBack {
		s.logger.Warn().Str("wanted", target).Str("agent_id", agent.ID).Msg("Stored agent unavailable, resuming on default")
	}
	s.connect(agent, TriggerResume, nil)
}

// ensureResolved picks an agent for a session that has none. A second call
// while a connection is in flight is a no-op.
func (s *Session) ensureResolved() {
	if s.pending != nil || s.active != nil || s.disconnected {
		return
	}

	trigger := TriggerInitial
	target := s.agentID
	if s.record != nil {
		trigger = TriggerReconnect
	}
	if target == "" {
		target = s.srv.router.Default()
	}

	agent, fellBack, err := s.srv.router.Resolve(target)
	if err != nil {
		s.abort(CodeNoAgent, "no agent available")
		return
	}
	if fellBack {
		s.logger.Warn().Str("wanted", target).Str("agent_id", agent.ID).Msg("Routing to default agent")
	}
	s.connect(agent, trigger, nil)
}

// dropInitialAttempt abandons an initial or resume dial that carries no
// handoff, so an explicit target can replace it.
func (s *Session) dropInitialAttempt() {
	a := s.pending
	if a == nil || a.handoff != nil {
		return
	}
	s.logger.Debug().Str("agent_id", a.agent.ID).Str("trigger", a.trigger).Msg("Initial connection superseded by handoff")
	s.pending = nil
	a.abandon()
}

func (s *Session) selectWorkflow(workflowID string) {
	if workflowID == "" {
		return
	}
	s.workflowID = workflowID
	if s.pending != nil {
		return
	}

	target := s.srv.router.ForWorkflow(workflowID)
	if s.active == nil {
		s.agentID = target
		s.ensureResolved()
		return
	}
	if target == s.agentID {
		return
	}
	s.beginHandoff(TriggerWorkflow, target, &session.HandoffRequest{
		FromAgent:   s.agentID,
		TargetAgent: target,
		Reason:      "workflow selected: " + workflowID,
		CreatedAt:   s.srv.clock.Now(),
	})
}

// beginHandoff reroutes the session to target. The current link stays active
// until the new one is initialized.
func (s *Session) beginHandoff(trigger, target string, h *session.HandoffRequest) {
	if s.disconnected {
		return
	}
	if target == "" {
		s.logger.Warn().Str("trigger", trigger).Msg("Handoff without a target ignored")
		return
	}
	if s.pending != nil {
		s.logger.Warn().
			Str("trigger", trigger).
			Str("target", target).
			Str("in_flight", s.pending.agent.ID).
			Msg("Handoff already in flight, request ignored")
		return
	}
	if s.active != nil && target == s.active.agent.ID {
		s.logger.Debug().Str("target", target).Msg("Handoff to the serving agent ignored")
		return
	}
	if trigger != TriggerVerified {
		s.cancelGate()
	}

	s.handingOff = true
	if h != nil {
		patch := session.MemoryPatch{Graph: h.Graph}
		if h.FailedReturn() {
			patch.ClearIntent = true
		}
		s.mergeMemory(patch)
	}

	agent, fellBack, err := s.srv.router.Resolve(target)
	if err != nil {
		s.handoffFailed(trigger, target, err)
		return
	}
	if s.active != nil && agent.ID == s.active.agent.ID {
		s.handoffFailed(trigger, target, fmt.Errorf("%w: %s resolves to the serving agent", ErrNoRoute, target))
		return
	}
	if fellBack {
		s.logger.Warn().Str("wanted", target).Str("agent_id", agent.ID).Msg("Handoff target unavailable, using default agent")
	}

	s.logger.Info().
		Str("trigger", trigger).
		Str("from", s.agentID).
		Str("to", agent.ID).
		Msg("Handoff started")
	s.connect(agent, trigger, h)
}

// connect dials agent and swaps it in once it is ready.
func (s *Session) connect(agent registry.AgentInfo, trigger string, h *session.HandoffRequest) {
	s.nextLinkID++
	ctx, cancel := context.WithCancel(s.ctx)
	a := &attempt{
		id:      s.nextLinkID,
		agent:   agent,
		trigger: trigger,
		handoff: h,
		started: s.srv.clock.Now(),
		cancel:  cancel,
	}
	a.timer = s.after(s.srv.cfg.Timers.ConnectTimeout, func() { s.onConnectTimeout(a) })
	s.pending = a

	dialer := s.srv.dialer
	go func() {
		conn, err := dialer.Dial(ctx, agent)
		if !s.post(func() { s.onDialed(a, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onConnectTimeout(a *attempt) {
	if s.pending != a {
		return
	}
	s.attemptFailed(a, ErrConnectTimeout)
}

func (s *Session) onDialed(a *attempt, conn Conn, err error) {
	if s.pending != a {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.attemptFailed(a, err)
		return
	}
	a.conn = conn

	store, id := s.srv.store, s.id
	s.queue.enqueue("get_memory", func(ctx context.Context) error {
		mem, err := store.GetMemory(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			mem, err = nil, nil
		}
		s.post(func() { s.onSnapshot(a, mem, err) })
		return err
	})
}

// onSnapshot completes a connection: the active pointer moves to the new
// link before the old one is retired, then session_init goes out and the
// buffer is released.
func (s *Session) onSnapshot(a *attempt, mem *session.Memory, err error) {
	if s.pending != a {
		return
	}
	s.pending = nil
	a.timer.Stop()

	if err != nil {
		s.logger.Warn().Err(err).Msg("Memory snapshot unavailable, using gateway view")
	} else if mem != nil {
		s.memory = *mem
	}

	l := &link{
		id:    a.id,
		agent: a.agent,
		conn:  a.conn,
		out:   newOutbox(a.conn, s.logger.With().Str("agent_id", a.agent.ID).Logger()),
	}
	old := s.active
	s.active = l
	s.links[l.id] = l
	if old != nil {
		s.retire(old)
	}
	go s.readLink(l)

	snapshot := s.memory.Clone()
	l.send(textFrame(protocol.MustEncode(protocol.SessionInit{
		SessionID:  s.id,
		TraceID:    s.traceID,
		AgentID:    a.agent.ID,
		WorkflowID: s.workflowID,
		Memory:     &snapshot,
		Handoff:    a.handoff,
	})))

	from := s.agentID
	if old != nil {
		from = old.agent.ID
	}
	s.agentID = a.agent.ID
	if s.record == nil {
		observability.RecordSession("created")
	} else if a.trigger == TriggerResume {
		observability.RecordSession("resumed")
	}
	s.saveRecord()
	observability.RecordHandoff(a.trigger, s.srv.clock.Now().Sub(a.started), true)

	if old != nil {
		event := protocol.HandoffEvent{
			From: from,
			To:   a.agent.ID,
			Auto: a.trigger == TriggerVerified || a.trigger == TriggerStaged,
		}
		if a.handoff != nil {
			event.Reason = a.handoff.Reason
		}
		s.sendClient(event)
	}

	s.logger.Info().
		Str("agent_id", a.agent.ID).
		Str("trigger", a.trigger).
		Uint64("link", l.id).
		Int("buffered", len(s.buffer)).
		Msg("Downstream link active")

	s.handingOff = false
	nudge := s.srv.cfg.NudgeOnHandoff && a.handoff != nil && len(s.buffer) == 0
	s.flush()
	if nudge {
		l.send(textFrame(protocol.MustEncode(protocol.SystemTurn{
			Text:   "You have just taken over this conversation. Continue helping the customer.",
			Reason: a.trigger,
		})))
	}
}

// retire detaches a superseded link and closes it after the swap delay.
func (s *Session) retire(old *link) {
	old.detached = true
	s.after(s.srv.cfg.Timers.SwapCloseDelay, func() {
		old.close()
		delete(s.links, old.id)
	})
}

func (s *Session) attemptFailed(a *attempt, err error) {
	s.pending = nil
	a.abandon()
	observability.RecordHandoff(a.trigger, s.srv.clock.Now().Sub(a.started), false)
	s.logger.Warn().Err(err).Str("agent_id", a.agent.ID).Str("trigger", a.trigger).Msg("Downstream connection failed")

	if s.active != nil {
		s.handingOff = false
		s.flush()
		s.sendError(CodeHandoffFailed, fmt.Sprintf("could not reach agent %s", a.agent.ID), false)
		return
	}

	fallback := s.srv.router.Default()
	if fallback != "" && fallback != a.agent.ID {
		if agent, _, rerr := s.srv.router.Resolve(fallback); rerr == nil && agent.ID != a.agent.ID {
			s.logger.Info().Str("agent_id", agent.ID).Msg("Retrying on default agent")
			s.connect(agent, a.trigger, a.handoff)
			return
		}
	}
	s.abort(CodeNoAgent, "no agent available")
}

func (s *Session) handoffFailed(trigger, target string, err error) {
	observability.RecordHandoff(trigger, 0, false)
	s.logger.Warn().Err(err).Str("target", target).Msg("Handoff target unresolvable")

	if s.active == nil {
		s.abort(CodeNoAgent, "no agent available")
		return
	}
	s.handingOff = false
	s.flush()
	s.sendError(CodeHandoffFailed, fmt.Sprintf("could not route to %s", target), false)
}

func (s *Session) readLink(l *link) {
	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			s.post(func() { s.onLinkClosed(l, err) })
			return
		}
		f := frame{msgType: msgType, data: data}
		if !s.post(func() { s.onLinkFrame(l, f) }) {
			return
		}
	}
}

func (s *Session) onLinkClosed(l *link, err error) {
	delete(s.links, l.id)
	if l != s.active {
		return
	}
	s.active = nil
	l.close()
	if s.disconnected || s.finished {
		return
	}

	s.logger.Warn().Err(err).Str("agent_id", l.agent.ID).Msg("Active downstream link closed")
	s.sendError(CodeAgentDisconnected, "agent connection lost", false)
	if len(s.buffer) > 0 {
		s.ensureResolved()
	}
}

// onLinkFrame intercepts a downstream frame before it reaches the client.
func (s *Session) onLinkFrame(l *link, f frame) {
	if s.finished {
		return
	}

	var msg protocol.Message
	if f.msgType != websocket.BinaryMessage && !protocol.IsBinary(f.data) {
		msg, _ = protocol.Decode(f.data)
	}

	if l != s.active || l.detached {
		if m, ok := msg.(protocol.UpdateMemory); ok {
			s.mergeMemory(m.Memory)
			return
		}
		observability.RecordDroppedFrame("superseded")
		return
	}

	switch m := msg.(type) {
	case nil:
		s.relayToClient(f)

	case protocol.Transcript:
		if m.ID != "" {
			if s.transcripts.Contains(m.ID) {
				observability.RecordDroppedFrame("duplicate")
				return
			}
			s.transcripts.Add(m.ID, struct{}{})
		}
		s.relayToClient(f)

	case protocol.UpdateMemory:
		s.mergeMemory(m.Memory)

	case protocol.ToolResult:
		s.relayToClient(f)
		s.onToolResult(l, m)

	case protocol.HandoffRequest:
		s.onHandoffRequest(l, m.Handoff)

	case protocol.SessionInit, protocol.Connected, protocol.Pong:
		observability.RecordDroppedFrame("control")

	default:
		s.relayToClient(f)
	}
}

func (s *Session) onToolResult(l *link, m protocol.ToolResult) {
	if m.Name == s.srv.cfg.VerificationTool && !m.IsError {
		outcome := session.ParseVerification([]byte(m.Content))
		if !outcome.Verified {
			return
		}
		s.mergeMemory(outcome.Patch())
		if l.agent.Role == registry.RoleVerification {
			s.armVerifiedGate(nil)
		}
		return
	}

	target, isReturn, ok := protocol.HandoffTarget(m.Name)
	if !ok {
		return
	}
	if reason, blocked := handoffBlocked(m); blocked {
		s.logger.Info().Str("tool", m.Name).Str("gate", reason).Msg("Blocked handoff result relayed without routing")
		return
	}
	s.beginHandoff(TriggerTool, s.srv.router.ForTool(m.Name), s.handoffFor(m, target, isReturn))
}

func (s *Session) onHandoffRequest(l *link, h session.HandoffRequest) {
	if h.Verified && l.agent.Role == registry.RoleVerification {
		s.armVerifiedGate(&h)
		return
	}
	if h.FromAgent == "" {
		h.FromAgent = l.agent.ID
	}
	s.beginHandoff(TriggerStaged, h.TargetAgent, &h)
}

// armVerifiedGate schedules the post-verification handoff. While armed,
// further verified signals only refine the handoff it will send.
func (s *Session) armVerifiedGate(h *session.HandoffRequest) {
	if h != nil {
		s.verifiedHandoff = h
	}
	if s.gate != nil {
		return
	}
	s.logger.Info().Dur("settle", s.srv.cfg.Timers.VerifiedSettleDelay).Msg("Identity verified, handoff scheduled")
	s.gate = s.after(s.srv.cfg.Timers.VerifiedSettleDelay, s.onVerifiedSettled)
}

func (s *Session) cancelGate() {
	if s.gate != nil {
		s.gate.Stop()
		s.gate = nil
	}
	s.verifiedHandoff = nil
}

func (s *Session) onVerifiedSettled() {
	if s.gate == nil {
		return
	}
	s.gate = nil
	h := s.verifiedHandoff
	s.verifiedHandoff = nil
	if s.disconnected || s.finished {
		return
	}

	target := s.srv.cfg.PostVerificationAgent
	if target == "" && h != nil {
		target = h.TargetAgent
	}
	if target == "" {
		s.logger.Warn().Msg("Identity verified but no post-verification agent is configured")
		return
	}

	if h == nil {
		h = &session.HandoffRequest{
			FromAgent:       s.agentID,
			Reason:          "identity verified",
			LastUserMessage: s.lastUserText,
			Verified:        true,
			UserName:        s.memory.UserName,
			Account:         s.memory.Account,
			SortCode:        s.memory.SortCode,
			Graph:           s.memory.Graph,
			CreatedAt:       s.srv.clock.Now(),
		}
	}
	h.TargetAgent = target
	s.beginHandoff(TriggerVerified, target, h)
}

// handoffFor returns the request carried by a handoff tool result, or a
// minimal one when the result carries none.
func (s *Session) handoffFor(m protocol.ToolResult, target string, isReturn bool) *session.HandoffRequest {
	if m.Handoff != nil {
		h := *m.Handoff
		return &h
	}
	reason := s.memory.UserIntent
	if reason == "" {
		reason = "transfer requested"
	}
	return &session.HandoffRequest{
		FromAgent:       s.agentID,
		TargetAgent:     target,
		Reason:          reason,
		LastUserMessage: s.lastUserText,
		IsReturn:        isReturn,
		Graph:           s.memory.Graph,
		CreatedAt:       s.srv.clock.Now(),
	}
}

// handoffBlocked reports whether the tool pipeline refused the call.
func handoffBlocked(m protocol.ToolResult) (string, bool) {
	if reason, ok := protocol.IsBlocked(m.Content); ok {
		return reason, true
	}
	if m.Rejection != "" {
		return m.Rejection, true
	}
	if m.IsError {
		return "error", true
	}
	return "", false
}

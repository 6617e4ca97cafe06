package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/harun/switchboard/pkg/workflow"
	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// Error codes sent to the gateway.
const (
	CodeInitRequired = "session_init_required"
	CodeNoModel      = "no_model"
	CodeModelFailed  = "model_failed"
)

type stateKey struct{}

func stateFromContext(ctx context.Context) *toolexecutor.SessionState {
	st, _ := ctx.Value(stateKey{}).(*toolexecutor.SessionState)
	return st
}

// conn is one gateway connection serving one session.
type conn struct {
	w      *Worker
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	writeMu sync.Mutex
	turnMu  sync.Mutex
	wg      sync.WaitGroup

	state   *toolexecutor.SessionState
	handoff *session.HandoffRequest

	historyMu sync.Mutex
	history   []Turn
}

func newConn(w *Worker, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		w:      w,
		ws:     ws,
		ctx:    tracing.WithAgentID(ctx, w.cfg.AgentID),
		cancel: cancel,
		logger: w.logger,
	}
}

func (c *conn) close() {
	c.cancel()
	c.ws.Close()
}

func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.ws.Close()
		c.logger.Info().Msg("Session connection closed")
	}()

	if err := c.awaitInit(); err != nil {
		c.logger.Warn().Err(err).Msg("Session rejected")
		return
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error().Err(err).Msg("WebSocket error")
			}
			return
		}
		if msgType == websocket.BinaryMessage || protocol.IsBinary(data) {
			// media is not processed by workers
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		c.handle(msg)
	}
}

// awaitInit reads the first frame, which must be session_init.
func (c *conn) awaitInit() error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read session_init: %w", err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.sendError(CodeInitRequired, "first frame must be session_init", true)
		return fmt.Errorf("failed to decode first frame: %w", err)
	}
	si, ok := msg.(protocol.SessionInit)
	if !ok || si.SessionID == "" {
		c.sendError(CodeInitRequired, "first frame must be session_init", true)
		return fmt.Errorf("first frame was %s", msg.Kind())
	}

	c.initialize(si)
	return nil
}

// initialize hydrates memory, workflow position and handoff context.
func (c *conn) initialize(si protocol.SessionInit) {
	traceID := si.TraceID
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	c.ctx = tracing.WithSessionID(tracing.WithTraceID(c.ctx, traceID), si.SessionID)
	c.logger = tracing.LoggerFromContext(c.ctx, c.w.logger)

	st := toolexecutor.NewSessionState(si.SessionID, c.w.clock.Now())
	c.ctx = context.WithValue(c.ctx, stateKey{}, st)
	c.state = st

	var mem session.Memory
	switch {
	case si.Memory != nil:
		mem = *si.Memory
	case c.w.cfg.Store != nil:
		stored, err := c.w.cfg.Store.GetMemory(c.ctx, si.SessionID)
		if err == nil {
			mem = *stored
		} else if !errors.Is(err, session.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("Failed to load session memory")
		}
	}
	st.SetMemory(mem)

	if g := c.resolveGraph(si.WorkflowID); g != nil {
		sm, err := workflow.NewStateMachine(g)
		if err != nil {
			c.logger.Error().Err(err).Str("workflow", g.ID).Msg("Invalid workflow graph")
		} else {
			if mem.Graph != nil {
				if err := sm.Hydrate(*mem.Graph); err != nil {
					c.logger.Debug().Err(err).Msg("Stored workflow position not restored")
				}
			}
			st.SetMachine(sm)
		}
	}

	if si.Handoff != nil {
		h := *si.Handoff
		c.handoff = &h
	}

	c.logger.Info().
		Bool("verified", mem.Verified).
		Bool("handoff", si.Handoff != nil).
		Msg("Session initialized")
}

func (c *conn) resolveGraph(workflowID string) *workflow.Graph {
	catalog := c.w.cfg.Catalog
	if catalog == nil {
		return nil
	}
	if workflowID != "" {
		if g, ok := catalog.Get(workflowID); ok {
			return g
		}
	}
	if c.w.cfg.Persona != "" {
		if g, ok := catalog.ForPersona(c.w.cfg.Persona); ok {
			return g
		}
	}
	if g, ok := catalog.ForPersona(c.w.cfg.AgentID); ok {
		return g
	}
	return nil
}

func (c *conn) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.TextInput:
		c.beginTurn(m.Text, false)
	case protocol.SystemTurn:
		c.beginTurn(m.Text, true)
	case protocol.ToolUse:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runTool(toolexecutor.Call{ID: m.ToolUseID, Name: m.Name, Input: m.Input})
		}()
	case protocol.UpdateMemory:
		c.state.ApplyMemory(m.Memory, c.w.clock.Now())
	case protocol.Ping:
		c.send(protocol.Pong{Timestamp: m.Timestamp})
	case protocol.SessionInit:
		c.logger.Warn().Msg("Ignoring repeated session_init")
	case protocol.Unknown:
		c.logger.Warn().Str("type", m.Type).Msg("Ignoring unknown frame")
	default:
		c.logger.Debug().Str("type", string(msg.Kind())).Msg("Ignoring frame")
	}
}

// beginTurn frees the handoff slot and counts the turn before anything else
// from the same read loop can be processed. The model runs off the loop.
func (c *conn) beginTurn(text string, system bool) {
	c.w.pipeline.BeginTurn(c.state)
	c.state.RecordMessage(text, !system)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTurn(text, system)
	}()
}

func (c *conn) runTurn(text string, system bool) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.appendHistory(Turn{Role: RoleUser, Text: text})
	c.advanceDecision()

	model := c.w.cfg.Model
	if model == nil {
		c.sendError(CodeNoModel, fmt.Sprintf("no model configured for agent %s", c.w.cfg.AgentID), false)
		return
	}

	for round := 0; round < c.w.cfg.MaxToolRounds; round++ {
		reply, err := model.Respond(c.ctx, TurnRequest{
			SessionID:    c.state.ID,
			AgentID:      c.w.cfg.AgentID,
			SystemPrompt: c.systemPrompt(system),
			History:      c.snapshotHistory(),
			Tools:        c.w.toolSpecs(),
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Model turn failed")
			c.sendError(CodeModelFailed, err.Error(), false)
			return
		}

		c.appendHistory(Turn{Role: RoleAssistant, Text: reply.Text, ToolCalls: reply.ToolCalls})
		if reply.Text != "" {
			c.send(protocol.Transcript{ID: uuid.NewString(), Role: RoleAssistant, Text: reply.Text, Final: true})
		}
		if len(reply.ToolCalls) == 0 {
			return
		}

		handedOff := false
		for _, call := range reply.ToolCalls {
			res := c.runTool(call)
			if res.Handoff != nil {
				handedOff = true
			}
		}
		if handedOff || c.state.HasPendingHandoff() {
			return
		}
	}

	c.logger.Warn().Int("rounds", c.w.cfg.MaxToolRounds).Msg("Tool round limit reached")
}

func (c *conn) runTool(call toolexecutor.Call) toolexecutor.Result {
	res := c.w.pipeline.Execute(c.ctx, c.state, call)
	c.appendHistory(Turn{Role: RoleTool, ToolCallID: call.ID, Text: res.Content, IsError: res.IsError})
	c.send(res.Message())
	return res
}

// advanceDecision resolves a decision node the session is parked on.
func (c *conn) advanceDecision() {
	sm := c.state.Machine()
	if sm == nil {
		return
	}

	result, err := sm.AdvanceDecision(c.ctx, c.w.cfg.Classifier, c.recentUserText(5))
	if err != nil {
		c.logger.Warn().Err(err).Msg("Decision node could not advance")
		return
	}
	if result == nil {
		return
	}

	observability.RecordDecision(result.Strategy)
	c.logger.Info().
		Str("to", result.Edge.To).
		Str("strategy", result.Strategy).
		Bool("low_confidence", result.LowConfidence).
		Msg("Decision resolved")

	c.w.persistGraph(c.ctx, c.state)
}

// send writes msg and then any handoff staged while producing it.
func (c *conn) send(msg protocol.Message) {
	c.write(msg)
	if _, isHandoff := msg.(protocol.HandoffRequest); isHandoff {
		return
	}
	if pending := c.state.TakePendingHandoff(); pending != nil {
		c.logger.Info().Str("target", pending.TargetAgent).Msg("Emitting staged handoff")
		c.write(protocol.HandoffRequest{Handoff: *pending})
	}
}

func (c *conn) write(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Kind())).Msg("Failed to encode frame")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Str("type", string(msg.Kind())).Msg("Failed to write frame")
	}
}

func (c *conn) sendError(code, message string, terminal bool) {
	c.write(protocol.Error{Code: code, Message: message, Terminal: terminal})
}

func (c *conn) appendHistory(t Turn) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, t)
	if len(c.history) > historyLimit {
		c.history = append([]Turn(nil), c.history[len(c.history)-historyLimit:]...)
	}
}

func (c *conn) snapshotHistory() []Turn {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	return append([]Turn(nil), c.history...)
}

func (c *conn) recentUserText(n int) []string {
	history := c.snapshotHistory()
	out := make([]string, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].Role == RoleUser {
			out = append([]string{history[i].Text}, out...)
		}
	}
	return out
}

package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/rs/zerolog/log"
)

// Rejection names the gate that refused a call. Rejections are returned to
// the model as tool results so it can correct itself.
type Rejection string

const (
	CircuitBreakerExceeded  Rejection = "CircuitBreakerExceeded"
	MultipleHandoffsBlocked Rejection = "MultipleHandoffsBlocked"
	AlreadyVerified         Rejection = "AlreadyVerified"
	InProgress              Rejection = "InProgress"
	DuplicateBlocked        Rejection = "DuplicateBlocked"
	ValidationFailed        Rejection = "ValidationFailed"
	AttemptsExhausted       Rejection = "AttemptsExhausted"
)

// Limits are the gate thresholds
type Limits struct {
	RateWindow              time.Duration `mapstructure:"rate_window"`
	MaxCallsPerWindow       int           `mapstructure:"max_calls_per_window"`
	DedupeWindow            time.Duration `mapstructure:"dedupe_window"`
	MaxVerificationAttempts int           `mapstructure:"max_verification_attempts"`
}

// DefaultLimits returns the stock thresholds
func DefaultLimits() Limits {
	return Limits{
		RateWindow:              30 * time.Second,
		MaxCallsPerWindow:       5,
		DedupeWindow:            5 * time.Second,
		MaxVerificationAttempts: 3,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.RateWindow <= 0 {
		l.RateWindow = d.RateWindow
	}
	if l.MaxCallsPerWindow <= 0 {
		l.MaxCallsPerWindow = d.MaxCallsPerWindow
	}
	if l.DedupeWindow <= 0 {
		l.DedupeWindow = d.DedupeWindow
	}
	if l.MaxVerificationAttempts <= 0 {
		l.MaxVerificationAttempts = d.MaxVerificationAttempts
	}
	return l
}

// Config describes the worker a pipeline runs in
type Config struct {
	AgentID           string
	Role              string
	NextAgent         string
	VerificationTool  string
	IdentifyingFields []string
	FallbackReason    string
	MemoryTTL         time.Duration
	Timeout           time.Duration
	Limits            Limits
}

// Call is one tool invocation requested by the model
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is what a call produced
type Result struct {
	ToolUseID         string
	Name              string
	Category          ToolCategory
	Content           string
	IsError           bool
	Rejection         Rejection
	Handoff           *session.HandoffRequest
	Verification      *session.VerificationOutcome
	AttemptsExhausted bool
}

// Rejected reports whether a gate refused the call
func (r Result) Rejected() bool {
	return r.Rejection != ""
}

// Message converts the result into its wire frame
func (r Result) Message() protocol.ToolResult {
	return protocol.ToolResult{
		ToolUseID: r.ToolUseID,
		Name:      r.Name,
		Content:   r.Content,
		IsError:   r.IsError,
		Rejection: string(r.Rejection),
		Handoff:   r.Handoff,

		AttemptsExhausted: r.AttemptsExhausted,
	}
}

// Pipeline gates, validates and dispatches tool calls for one worker
type Pipeline struct {
	cfg         Config
	executor    *ToolExecutor
	backend     Backend
	store       session.Store
	clock       clock.Clock
	categorizer *Categorizer
	validator   *InputValidator
}

// NewPipeline creates a pipeline. backend and store may be nil.
func NewPipeline(cfg Config, executor *ToolExecutor, backend Backend, store session.Store, c clock.Clock) (*Pipeline, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	if executor == nil {
		executor = New()
	}
	if c == nil {
		c = clock.New()
	}
	if len(cfg.IdentifyingFields) == 0 {
		cfg.IdentifyingFields = DefaultIdentifyingFields
	}
	cfg.Limits = cfg.Limits.withDefaults()

	validator, err := NewInputValidator(cfg.IdentifyingFields)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:         cfg,
		executor:    executor,
		backend:     backend,
		store:       store,
		clock:       c,
		categorizer: NewCategorizer(cfg.VerificationTool, executor),
		validator:   validator,
	}, nil
}

// Categorizer returns the categorizer the pipeline uses
func (p *Pipeline) Categorizer() *Categorizer {
	return p.categorizer
}

// Limits returns the effective thresholds
func (p *Pipeline) Limits() Limits {
	return p.cfg.Limits
}

// BeginTurn frees the one-handoff-per-turn slot. Call it on every user or system turn.
func (p *Pipeline) BeginTurn(st *SessionState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record.TurnHandoff = ""
}

// Execute runs call through every gate and, if admitted, dispatches it.
func (p *Pipeline) Execute(ctx context.Context, st *SessionState, call Call) Result {
	category := p.categorizer.Categorize(call.Name)
	now := p.clock.Now()

	st.mu.Lock()
	undo, rejection, detail := p.admitLocked(st, call, category, now)
	st.mu.Unlock()
	if rejection != "" {
		return p.reject(st, call, category, rejection, detail)
	}

	if err := p.validator.Validate(category, call.Input); err != nil {
		st.mu.Lock()
		undo()
		st.mu.Unlock()
		return p.reject(st, call, category, ValidationFailed, err.Error())
	}

	var params map[string]interface{}
	if err := json.Unmarshal(call.Input, &params); err != nil {
		st.mu.Lock()
		undo()
		st.mu.Unlock()
		return p.reject(st, call, category, ValidationFailed, err.Error())
	}

	result := Result{ToolUseID: call.ID, Name: call.Name, Category: category}

	switch category {
	case CategoryHandoff, CategoryReturn:
		target, isReturn, _ := protocol.HandoffTarget(call.Name)
		result.Handoff = p.requestHandoff(st, target, isReturn, params)
		result.Content = fmt.Sprintf("Transferring the conversation to %s.", target)
		log.Info().
			Str("session_id", st.ID).
			Str("from", p.cfg.AgentID).
			Str("to", target).
			Bool("return", isReturn).
			Str("reason", result.Handoff.Reason).
			Msg("Handoff requested")

	case CategoryVerification:
		output, err := p.invoke(ctx, st, call, params)
		p.completeVerification(ctx, st, &result, output, err)

	default:
		output, err := p.invoke(ctx, st, call, params)
		if err != nil {
			result.IsError = true
			result.Content = err.Error()
		} else {
			result.Content = string(output)
		}
	}

	return result
}

// admitLocked applies gates 1 to 4. The returned undo reverts the bookkeeping
// an admitted call claimed, for calls that later fail validation.
func (p *Pipeline) admitLocked(st *SessionState, call Call, category ToolCategory, now time.Time) (func(), Rejection, string) {
	rec := &st.record
	limits := p.cfg.Limits

	if !rec.LastCallTime.IsZero() && now.Sub(rec.LastCallTime) >= limits.RateWindow {
		rec.Counts = make(map[string]int)
	}
	rec.LastCallTime = now
	rec.Counts[call.Name]++
	if rec.Counts[call.Name] > limits.MaxCallsPerWindow {
		return nil, CircuitBreakerExceeded, fmt.Sprintf("%s called %d times within %s (limit %d)",
			call.Name, rec.Counts[call.Name], limits.RateWindow, limits.MaxCallsPerWindow)
	}

	if category.IsHandoffClass() {
		if rec.TurnHandoff != "" {
			return nil, MultipleHandoffsBlocked, fmt.Sprintf("%s was already requested this turn", rec.TurnHandoff)
		}
		rec.TurnHandoff = call.Name
		return func() { rec.TurnHandoff = "" }, "", ""
	}

	if category != CategoryVerification {
		return func() {}, "", ""
	}

	key := p.identifyingKey(call.Input)
	switch {
	case rec.InProgress:
		return nil, InProgress, "a verification check is already running for this session"
	case rec.LastCritical != nil && rec.LastCritical.Key == key && now.Sub(rec.LastCritical.At) < limits.DedupeWindow:
		return nil, DuplicateBlocked, fmt.Sprintf("identical details were submitted less than %s ago", limits.DedupeWindow)
	case st.memory.Verified:
		return nil, AlreadyVerified, "the customer is already verified"
	case rec.AttemptCount >= limits.MaxVerificationAttempts:
		return nil, AttemptsExhausted, fmt.Sprintf("verification failed %d times; return the customer instead of retrying", rec.AttemptCount)
	}

	previous := rec.LastCritical
	rec.InProgress = true
	rec.LastCritical = &CriticalCall{Key: key, At: now}

	return func() {
		rec.InProgress = false
		rec.LastCritical = previous
	}, "", ""
}

func (p *Pipeline) identifyingKey(input json.RawMessage) string {
	var params map[string]interface{}
	_ = json.Unmarshal(input, &params)

	parts := make([]string, 0, len(p.cfg.IdentifyingFields))
	for _, f := range p.cfg.IdentifyingFields {
		v, _ := params[f].(string)
		parts = append(parts, strings.TrimSpace(v))
	}
	return strings.Join(parts, "|")
}

func (p *Pipeline) reject(st *SessionState, call Call, category ToolCategory, reason Rejection, detail string) Result {
	log.Warn().
		Str("session_id", st.ID).
		Str("tool", call.Name).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("Tool call rejected")
	observability.RecordToolRejection(string(reason))

	return Result{
		ToolUseID:         call.ID,
		Name:              call.Name,
		Category:          category,
		Content:           fmt.Sprintf("%s %s", protocol.BlockMarker(string(reason)), detail),
		IsError:           true,
		Rejection:         reason,
		AttemptsExhausted: reason == AttemptsExhausted,
	}
}

// invoke runs a call on a local tool when one is registered, else on the backend.
func (p *Pipeline) invoke(ctx context.Context, st *SessionState, call Call, params map[string]interface{}) ([]byte, error) {
	if p.executor.GetTool(call.Name) != nil {
		res := p.executor.Execute(ctx, call.Name, params, &ExecutionContext{
			SessionID: st.ID,
			AgentID:   p.cfg.AgentID,
			Timeout:   p.cfg.Timeout,
		})
		if !res.Success {
			return nil, fmt.Errorf("%s", res.Error)
		}
		return marshalOutput(res.Output)
	}

	if p.backend == nil {
		return nil, fmt.Errorf("no backend configured for tool %s", call.Name)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := p.backend.Call(ctx, BackendRequest{
		SessionID: st.ID,
		AgentID:   p.cfg.AgentID,
		Tool:      call.Name,
		Input:     call.Input,
	})
	observability.RecordToolExecution(call.Name, time.Since(start), err == nil)
	return out, err
}

func marshalOutput(output interface{}) ([]byte, error) {
	switch v := output.(type) {
	case nil:
		return []byte("{}"), nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return json.Marshal(output)
}

// completeVerification is step 7: record the outcome, share verified identity
// and stage the post-verification handoff.
func (p *Pipeline) completeVerification(ctx context.Context, st *SessionState, result *Result, output []byte, callErr error) {
	now := p.clock.Now()

	var outcome session.VerificationOutcome
	if callErr == nil {
		outcome = session.ParseVerification(output)
	}
	result.Verification = &outcome

	st.mu.Lock()
	rec := &st.record
	rec.InProgress = false

	if outcome.Verified {
		rec.AttemptCount = 0
		rec.LastFailureReason = ""
		st.memory = st.memory.Apply(outcome.Patch(), now)
	} else {
		rec.AttemptCount++
		switch {
		case callErr != nil:
			rec.LastFailureReason = callErr.Error()
		case outcome.Reason != "":
			rec.LastFailureReason = outcome.Reason
		case outcome.Found:
			rec.LastFailureReason = "status " + outcome.Status
		default:
			rec.LastFailureReason = "no verification status in response"
		}
	}
	attempts := rec.AttemptCount
	failure := rec.LastFailureReason
	st.mu.Unlock()

	if outcome.Verified {
		if p.store != nil {
			if _, err := p.store.MergeMemory(ctx, st.ID, outcome.Patch(), p.cfg.MemoryTTL); err != nil {
				log.Error().Err(err).Str("session_id", st.ID).Msg("Failed to share verified identity")
			}
		}
		if p.cfg.Role == registry.RoleVerification && p.cfg.NextAgent != "" {
			handoff := p.requestHandoff(st, p.cfg.NextAgent, false, nil)
			st.mu.Lock()
			st.pending = handoff
			st.mu.Unlock()
			log.Info().
				Str("session_id", st.ID).
				Str("next_agent", p.cfg.NextAgent).
				Msg("Verified handoff staged")
		}
		result.Content = string(output)
		return
	}

	result.IsError = true
	result.Content = fmt.Sprintf("Verification failed (attempt %d of %d): %s", attempts, p.cfg.Limits.MaxVerificationAttempts, failure)
	if attempts >= p.cfg.Limits.MaxVerificationAttempts {
		result.AttemptsExhausted = true
		result.Content += ". No attempts remain; hand the customer back."
		log.Warn().Str("session_id", st.ID).Int("attempts", attempts).Msg("Verification attempts exhausted")
	}
}

package toolexecutor

import (
	"sync"
	"time"

	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/workflow"
)

// CallRecord is the per-session bookkeeping the gates consult.
type CallRecord struct {
	Counts            map[string]int
	LastCallTime      time.Time
	LastCritical      *CriticalCall
	InProgress        bool
	AttemptCount      int
	LastFailureReason string
	TurnHandoff       string
}

// CriticalCall remembers the last identifying parameters sent to verification.
type CriticalCall struct {
	Key string
	At  time.Time
}

func (r CallRecord) clone() CallRecord {
	out := r
	out.Counts = make(map[string]int, len(r.Counts))
	for k, v := range r.Counts {
		out.Counts[k] = v
	}
	if r.LastCritical != nil {
		c := *r.LastCritical
		out.LastCritical = &c
	}
	return out
}

// SessionState is everything a worker keeps for one session it serves.
type SessionState struct {
	mu sync.Mutex

	ID              string
	StartTime       time.Time
	messageCount    int
	lastUserMessage string

	memory  session.Memory
	machine *workflow.StateMachine
	record  CallRecord
	pending *session.HandoffRequest
}

// NewSessionState creates empty state for a session
func NewSessionState(id string, start time.Time) *SessionState {
	return &SessionState{
		ID:        id,
		StartTime: start,
		record:    CallRecord{Counts: make(map[string]int)},
	}
}

// Memory returns a copy of the local memory view
func (s *SessionState) Memory() session.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.Clone()
}

// SetMemory replaces the local memory view, typically from session_init
func (s *SessionState) SetMemory(m session.Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = m.Clone()
}

// ApplyMemory merges patch into the local memory view
func (s *SessionState) ApplyMemory(patch session.MemoryPatch, now time.Time) session.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = s.memory.Apply(patch, now)
	return s.memory.Clone()
}

// SetMachine attaches the workflow state machine for this session
func (s *SessionState) SetMachine(sm *workflow.StateMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine = sm
}

// Machine returns the attached workflow state machine, or nil
func (s *SessionState) Machine() *workflow.StateMachine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// RecordMessage counts a user or system turn and remembers user text.
func (s *SessionState) RecordMessage(text string, fromUser bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	if fromUser && text != "" {
		s.lastUserMessage = text
	}
}

// MessageCount returns the number of turns seen
func (s *SessionState) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// LastUserMessage returns the most recent user utterance
func (s *SessionState) LastUserMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserMessage
}

// Record returns a copy of the call bookkeeping
func (s *SessionState) Record() CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.clone()
}

// TakePendingHandoff returns and clears a staged handoff.
func (s *SessionState) TakePendingHandoff() *session.HandoffRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// HasPendingHandoff reports whether a handoff is staged
func (s *SessionState) HasPendingHandoff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

package orchestratornode

import (
	"context"
	"sync"
	"time"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	guardrailsx "github.com/tanpawarit/support-copilot/agent/guardrails"
	statex "github.com/tanpawarit/support-copilot/agent/state"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
)

type OutcomeKind string

const (
	OutcomeResponded OutcomeKind = "RESPONDED"
	OutcomeEscalated OutcomeKind = "ESCALATED"
	OutcomeError     OutcomeKind = "ERROR"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID          string                        `json:"run_id"`
	Kind           OutcomeKind                   `json:"kind"`
	Text           string                        `json:"text"`
	Citations      []contractx.Citation          `json:"citations,omitempty"`
	Confidence     float64                       `json:"confidence"`
	Reason         string                        `json:"reason,omitempty"`
	Decision       *contractx.GuardrailsDecision `json:"decision,omitempty"`
	EscalatedAt    contractx.Stage               `json:"escalated_at,omitempty"`
	Cause          string                        `json:"cause,omitempty"`
	FailedStage    contractx.Stage               `json:"failed_stage,omitempty"`
	RetrievalClass contractx.RetrievalClass      `json:"retrieval_class,omitempty"`
	Degraded       bool                          `json:"degraded"`
	DegradedStages []contractx.Stage             `json:"degraded_stages,omitempty"`
	ToolCalls      []contractx.ToolCallEvent     `json:"tool_calls,omitempty"`
}

// RunState is shared by the stages of one run. Every slot has exactly one
// writer; fan-out branches never touch it directly.
type RunState struct {
	RunID           string
	SessionID       string
	Query           string
	NormalizedQuery string
	StartedAt       time.Time

	GuardInput  statex.Slot[contractx.GuardrailsDecision]
	Plan        statex.Slot[contractx.ExecutionPlan]
	Intent      statex.BranchSlot[contractx.IntentResult]
	Retrieval   statex.BranchSlot[contractx.RetrievalOutcome]
	Memory      statex.BranchSlot[[]contractx.MemoryRecord]
	Reasoning   statex.Slot[contractx.Reasoning]
	Draft       statex.Slot[contractx.Draft]
	GuardOutput statex.Slot[contractx.GuardrailsDecision]
	Outcome     statex.Slot[Outcome]

	Tools *toolx.Recorder

	mu       sync.Mutex
	degraded []contractx.Stage
	failure  *contractx.FatalStageError
}

func NewRunState(runID, sessionID, query string, startedAt time.Time, tools *toolx.Recorder) *RunState {
	if tools == nil {
		tools = toolx.NewRecorder(nil)
	}
	return &RunState{
		RunID:     runID,
		SessionID: sessionID,
		Query:     query,
		StartedAt: startedAt,
		Tools:     tools,
	}
}

func (s *RunState) MarkDegraded(stage contractx.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = append(s.degraded, stage)
}

func (s *RunState) Degraded() []contractx.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contractx.Stage(nil), s.degraded...)
}

// Fail records the first fatal stage failure. Later failures are ignored.
func (s *RunState) Fail(stage contractx.Stage, err error) *contractx.FatalStageError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = &contractx.FatalStageError{Stage: stage, Err: err}
	}
	return s.failure
}

func (s *RunState) Failure() *contractx.FatalStageError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Evidence returns the retrieval outcome, or nil when the branch was
// unavailable.
func (s *RunState) Evidence() *contractx.RetrievalOutcome {
	out, ok := s.Retrieval.Get()
	if !ok {
		return nil
	}
	return &out
}

// Guard checks text against the safety policy.
type Guard interface {
	Check(ctx context.Context, text string, mode contractx.GuardMode, evidence *guardrailsx.Evidence) (contractx.GuardrailsDecision, error)
}

// Retriever returns classified evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, domainHint bool) (contractx.RetrievalOutcome, error)
}

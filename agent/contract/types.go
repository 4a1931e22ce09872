package contract

import (
	"time"
)

type Stage string

const (
	StageIngest      Stage = "ingest"
	StageGuardInput  Stage = "guard_input"
	StagePlan        Stage = "plan"
	StageFanout      Stage = "fanout"
	StageIntent      Stage = "intent"
	StageRetrieve    Stage = "retrieve"
	StageMemoryRead  Stage = "memory_read"
	StageReason      Stage = "reason"
	StageSynthesize  Stage = "synthesize"
	StageGuardOutput Stage = "guard_output"
	StageEscalate    Stage = "escalate"
	StageFinalize    Stage = "finalize"
	StageWriteMemory Stage = "write_memory"
)

// ChunkRecord is an immutable slice of an indexed source document.
type ChunkRecord struct {
	SourceID    string    `json:"source_id"`
	ChunkIndex  int       `json:"chunk_index"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
}

type ScoredChunk struct {
	Chunk    ChunkRecord `json:"chunk"`
	Distance float64     `json:"distance"`
}

type RetrievalClass string

const (
	RetrievalConfident RetrievalClass = "CONFIDENT"
	RetrievalUsable    RetrievalClass = "USABLE"
	RetrievalNone      RetrievalClass = "NONE"
)

func (c RetrievalClass) Usable() bool {
	return c == RetrievalConfident || c == RetrievalUsable
}

type RetrievalOutcome struct {
	Class         RetrievalClass `json:"class"`
	Chunks        []ScoredChunk  `json:"chunks"`
	BestDistance  float64        `json:"best_distance"`
	Attempts      int            `json:"attempts"`
	ExpandedQuery string         `json:"expanded_query,omitempty"`
}

type MemoryType string

const (
	MemoryWorking  MemoryType = "working"
	MemoryEpisodic MemoryType = "episodic"
	MemorySemantic MemoryType = "semantic"
)

func (t MemoryType) Valid() bool {
	switch t {
	case MemoryWorking, MemoryEpisodic, MemorySemantic:
		return true
	}
	return false
}

const MetadataIsSummary = "is_summary"

type MemoryRecord struct {
	ID        string         `json:"id"`
	Type      MemoryType     `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r MemoryRecord) IsSummary() bool {
	v, ok := r.Metadata[MetadataIsSummary].(bool)
	return ok && v
}

type MemoryFilter struct {
	Type      MemoryType
	SessionID string
	Limit     int
}

type MemoryPatch struct {
	Content  *string
	Metadata map[string]any
}

type ToolCallEvent struct {
	ToolName   string    `json:"tool_name"`
	Stage      Stage     `json:"stage,omitempty"`
	Input      any       `json:"input,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

type GuardMode string

const (
	GuardInput  GuardMode = "input"
	GuardOutput GuardMode = "output"
)

type GuardrailsDecision struct {
	Triggered     bool    `json:"triggered"`
	Confidence    float64 `json:"confidence"`
	NoAnswer      bool    `json:"no_answer"`
	Unsafe        bool    `json:"unsafe"`
	Reason        string  `json:"reason"`
	PolicyMatched *string `json:"policy_matched,omitempty"`
}

type SafetyVerdict struct {
	Flagged    bool               `json:"flagged"`
	Categories map[string]bool    `json:"categories"`
	Scores     map[string]float64 `json:"scores"`
	Severity   float64            `json:"severity"`
}

// IntentSchemaVersion identifies the closed category set below.
const IntentSchemaVersion = "v1"

type IntentCategory string

const (
	IntentBilling        IntentCategory = "billing"
	IntentAccountAccess  IntentCategory = "account_access"
	IntentTechnicalIssue IntentCategory = "technical_issue"
	IntentPolicyQuestion IntentCategory = "policy_question"
	IntentComplaint      IntentCategory = "complaint"
	IntentHumanHandoff   IntentCategory = "human_handoff"
	IntentOther          IntentCategory = "other"
)

var IntentCategories = []IntentCategory{
	IntentBilling,
	IntentAccountAccess,
	IntentTechnicalIssue,
	IntentPolicyQuestion,
	IntentComplaint,
	IntentHumanHandoff,
	IntentOther,
}

// ParseIntentCategory maps free text onto the closed set. Unknown values
// become IntentOther and ok is false.
func ParseIntentCategory(s string) (IntentCategory, bool) {
	for _, c := range IntentCategories {
		if string(c) == s {
			return c, true
		}
	}
	return IntentOther, false
}

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelLow, LevelMedium, LevelHigh:
		return Level(s)
	}
	return LevelLow
}

type IntentResult struct {
	Version  string         `json:"version"`
	Category IntentCategory `json:"category"`
	Urgency  Level          `json:"urgency"`
	SLARisk  Level          `json:"sla_risk"`
	Entities []string       `json:"entities,omitempty"`
	// Raw keeps the oracle label when it did not map onto the closed set.
	Raw string `json:"raw,omitempty"`
}

type ExecutionPlan struct {
	DomainHint      bool               `json:"domain_hint"`
	MatchedKeywords []string           `json:"matched_keywords,omitempty"`
	K               int                `json:"k"`
	MemoryTypes     []MemoryType       `json:"memory_types"`
	// MemoryLimits caps each tier's read; a missing or zero entry reads the
	// whole tier.
	MemoryLimits    map[MemoryType]int `json:"memory_limits,omitempty"`
}

func (p ExecutionPlan) MemoryLimit(t MemoryType) int {
	return p.MemoryLimits[t]
}

// ReasonRequest carries the fan-in results. A nil pointer means the branch
// was unavailable.
type ReasonRequest struct {
	Query    string
	Intent   *IntentResult
	Evidence *RetrievalOutcome
	Memory   []MemoryRecord
	// MemoryAvailable is false when the memory branch failed or timed out.
	MemoryAvailable bool
}

type Reasoning struct {
	Text string `json:"text"`
}

type SynthesisRequest struct {
	Query     string
	Reasoning Reasoning
	Evidence  *RetrievalOutcome
}

type Citation struct {
	SourceID   string  `json:"source_id"`
	ChunkIndex int     `json:"chunk_index"`
	Distance   float64 `json:"distance"`
}

type Draft struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
}

type Escalation struct {
	RunID     string             `json:"run_id"`
	SessionID string             `json:"session_id"`
	Query     string             `json:"query"`
	Stage     Stage              `json:"stage"`
	Reason    string             `json:"reason"`
	Decision  GuardrailsDecision `json:"decision"`
	At        time.Time          `json:"at"`
}

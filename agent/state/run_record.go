package state

import (
	"errors"
	"strings"
	"time"
)

// RunRecord is the persisted summary of a finished run, looked up by run id
// when a user quotes a correlation reference.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	SessionID      string    `json:"session_id"`
	Outcome        string    `json:"outcome"`
	FailedStage    string    `json:"failed_stage,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Confidence     float64   `json:"confidence"`
	RetrievalClass string    `json:"retrieval_class,omitempty"`
	Degraded       bool      `json:"degraded"`
	DegradedStages []string  `json:"degraded_stages,omitempty"`
	ToolCalls      int       `json:"tool_calls"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

func (r *RunRecord) Validate() error {
	if r == nil {
		return ErrNilRunRecord
	}
	if strings.TrimSpace(r.RunID) == "" {
		return ErrInvalidRunID
	}
	if strings.TrimSpace(r.Outcome) == "" {
		return errors.New("run record outcome is empty")
	}
	if !r.FinishedAt.IsZero() && r.FinishedAt.Before(r.StartedAt) {
		return errors.New("run record finished before it started")
	}
	return nil
}

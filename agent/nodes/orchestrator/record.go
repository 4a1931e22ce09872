package orchestratornode

import (
	"time"

	statex "github.com/tanpawarit/support-copilot/agent/state"
)

// RunRecordFrom summarizes a finished run for the run record store.
func RunRecordFrom(in *RunState, out Outcome, finishedAt time.Time) *statex.RunRecord {
	rec := &statex.RunRecord{
		RunID:          out.RunID,
		SessionID:      in.SessionID,
		Outcome:        string(out.Kind),
		FailedStage:    string(out.FailedStage),
		Reason:         out.Reason,
		Confidence:     out.Confidence,
		RetrievalClass: string(out.RetrievalClass),
		Degraded:       out.Degraded,
		ToolCalls:      len(out.ToolCalls),
		StartedAt:      in.StartedAt,
		FinishedAt:     finishedAt,
	}
	for _, s := range out.DegradedStages {
		rec.DegradedStages = append(rec.DegradedStages, string(s))
	}
	return rec
}

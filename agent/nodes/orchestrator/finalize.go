package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

func Finalize(in *RunState) (*RunState, error) {
	draft, ok := in.Draft.Get()
	if !ok {
		return nil, fmt.Errorf("%w: draft missing", contractx.ErrValidation)
	}
	decision, ok := in.GuardOutput.Get()
	if !ok {
		return nil, fmt.Errorf("%w: output decision missing", contractx.ErrValidation)
	}

	text := strings.TrimSpace(draft.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: draft is empty", contractx.ErrValidation)
	}

	out := Outcome{
		RunID:      in.RunID,
		Kind:       OutcomeResponded,
		Text:       text,
		Citations:  draft.Citations,
		Confidence: decision.Confidence,
		Reason:     decision.Reason,
		Decision:   &decision,
	}
	if ev := in.Evidence(); ev != nil {
		out.RetrievalClass = ev.Class
	}
	if err := in.Outcome.Set(out); err != nil {
		return nil, err
	}
	return in, nil
}

// ErrorCause is the user-safe description of a failed run.
func ErrorCause(runID string) string {
	return fmt.Sprintf("We couldn't complete your request. Please try again later and quote reference %s.", runID)
}

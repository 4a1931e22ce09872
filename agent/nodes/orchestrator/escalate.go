package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const (
	SafeDeclineText = "I'm sorry, but I can't help with that request. If you need support with your account or loan, please rephrase your question."
	NoAnswerText    = "I don't have a confident answer for this. I've escalated your request to the team."
	EscalatedText   = "Your request has been escalated for further assistance."
)

// EscalationText picks the user-facing text for a triggered decision.
func EscalationText(d contractx.GuardrailsDecision) string {
	switch {
	case d.Unsafe:
		return SafeDeclineText
	case d.NoAnswer:
		return NoAnswerText
	default:
		return EscalatedText
	}
}

// EscalateInput ends the run from the input decision alone.
func EscalateInput(in *RunState) (*RunState, error) {
	decision, ok := in.GuardInput.Get()
	if !ok {
		return nil, fmt.Errorf("%w: input decision missing", contractx.ErrValidation)
	}
	return escalate(in, contractx.StageGuardInput, decision)
}

func EscalateOutput(in *RunState) (*RunState, error) {
	decision, ok := in.GuardOutput.Get()
	if !ok {
		return nil, fmt.Errorf("%w: output decision missing", contractx.ErrValidation)
	}
	return escalate(in, contractx.StageGuardOutput, decision)
}

func escalate(in *RunState, at contractx.Stage, decision contractx.GuardrailsDecision) (*RunState, error) {
	out := Outcome{
		RunID:       in.RunID,
		Kind:        OutcomeEscalated,
		Text:        EscalationText(decision),
		Confidence:  decision.Confidence,
		Reason:      decision.Reason,
		Decision:    &decision,
		EscalatedAt: at,
	}
	if ev := in.Evidence(); ev != nil {
		out.RetrievalClass = ev.Class
	}
	if err := in.Outcome.Set(out); err != nil {
		return nil, err
	}
	return in, nil
}

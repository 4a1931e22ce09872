package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	guardrailsx "github.com/tanpawarit/support-copilot/agent/guardrails"
)

const (
	NodePlan           = "plan"
	NodeEscalateInput  = "escalate_input"
	NodeFinalize       = "finalize"
	NodeEscalateOutput = "escalate_output"
)

func GuardInput(ctx context.Context, in *RunState, guard Guard) (*RunState, error) {
	decision, err := guard.Check(ctx, in.Query, contractx.GuardInput, nil)
	if err != nil {
		return nil, err
	}
	if err := in.GuardInput.Set(decision); err != nil {
		return nil, err
	}
	return in, nil
}

func RouteAfterGuardInput(_ context.Context, in *RunState) (string, error) {
	decision, ok := in.GuardInput.Get()
	if !ok {
		return "", fmt.Errorf("%w: input decision missing", contractx.ErrValidation)
	}
	if decision.Triggered {
		return NodeEscalateInput, nil
	}
	return NodePlan, nil
}

// GuardOutput checks the draft together with the strength of the evidence it
// was built from.
func GuardOutput(ctx context.Context, in *RunState, guard Guard) (*RunState, error) {
	draft, ok := in.Draft.Get()
	if !ok {
		return nil, fmt.Errorf("%w: draft missing", contractx.ErrValidation)
	}

	evidence := &guardrailsx.Evidence{}
	if out := in.Evidence(); out != nil {
		evidence.Available = true
		evidence.Class = out.Class
	}

	decision, err := guard.Check(ctx, draft.Text, contractx.GuardOutput, evidence)
	if err != nil {
		return nil, err
	}
	if err := in.GuardOutput.Set(decision); err != nil {
		return nil, err
	}
	return in, nil
}

func RouteAfterGuardOutput(_ context.Context, in *RunState) (string, error) {
	decision, ok := in.GuardOutput.Get()
	if !ok {
		return "", fmt.Errorf("%w: output decision missing", contractx.ErrValidation)
	}
	if decision.Triggered {
		return NodeEscalateOutput, nil
	}
	return NodeFinalize, nil
}

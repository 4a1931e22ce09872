package orchestratornode

import (
	"context"
	"errors"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

// Reason consumes the three branch slots, treating sentinels as absent input.
func Reason(ctx context.Context, in *RunState, reasoner contractx.Reasoner) (*RunState, error) {
	if reasoner == nil {
		return nil, errors.New("reasoner not configured")
	}

	req := contractx.ReasonRequest{
		Query:    in.NormalizedQuery,
		Evidence: in.Evidence(),
	}
	if intent, ok := in.Intent.Get(); ok {
		req.Intent = &intent
	}
	if mem, ok := in.Memory.Get(); ok {
		req.Memory = mem
		req.MemoryAvailable = true
	}

	out, err := reasoner.Reason(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := in.Reasoning.Set(out); err != nil {
		return nil, err
	}
	return in, nil
}

package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

func Synthesize(ctx context.Context, in *RunState, synth contractx.Synthesizer) (*RunState, error) {
	if synth == nil {
		return nil, errors.New("synthesizer not configured")
	}
	reasoning, ok := in.Reasoning.Get()
	if !ok {
		return nil, fmt.Errorf("%w: reasoning missing", contractx.ErrValidation)
	}

	draft, err := synth.Synthesize(ctx, contractx.SynthesisRequest{
		Query:     in.NormalizedQuery,
		Reasoning: reasoning,
		Evidence:  in.Evidence(),
	})
	if err != nil {
		return nil, err
	}
	if err := in.Draft.Set(draft); err != nil {
		return nil, err
	}
	return in, nil
}

package specialist

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	llmx "github.com/tanpawarit/support-copilot/agent/llm"
	promptx "github.com/tanpawarit/support-copilot/agent/prompt"
)

type registryImpl struct {
	intent      contractx.IntentClassifier
	reasoner    contractx.Reasoner
	synthesizer contractx.Synthesizer
	summarizer  contractx.Summarizer
}

func (r *registryImpl) Intent() contractx.IntentClassifier {
	return r.intent
}

func (r *registryImpl) Reasoner() contractx.Reasoner {
	return r.reasoner
}

func (r *registryImpl) Synthesizer() contractx.Synthesizer {
	return r.synthesizer
}

func (r *registryImpl) Summarizer() contractx.Summarizer {
	return r.summarizer
}

// Oracles assigns one oracle per agent role.
type Oracles struct {
	Intent    contractx.Oracle
	Reasoning contractx.Oracle
	Synthesis contractx.Oracle
	Summary   contractx.Oracle
}

// NewRegistry creates one chat model per role through OpenRouter.
func NewRegistry(ctx context.Context, cfg llmx.Config) (contractx.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	newOracle := func(role llmx.Role) (contractx.Oracle, error) {
		modelCfg := cfg.OpenRouterFor(role)
		chatModel, err := modelCfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, role, err)
		}
		return NewChatOracle(ctx, chatModel, string(role))
	}

	var (
		oracles Oracles
		err     error
	)
	if oracles.Intent, err = newOracle(llmx.RoleIntent); err != nil {
		return nil, err
	}
	if oracles.Reasoning, err = newOracle(llmx.RoleReasoning); err != nil {
		return nil, err
	}
	if oracles.Synthesis, err = newOracle(llmx.RoleSynthesis); err != nil {
		return nil, err
	}
	if oracles.Summary, err = newOracle(llmx.RoleSummary); err != nil {
		return nil, err
	}

	return NewRegistryWithOracles(oracles, promptx.LoadPromptSet())
}

func NewRegistryWithOracles(oracles Oracles, prompts promptx.PromptSet) (contractx.Registry, error) {
	prompts = prompts.WithDefaults()

	intent, err := newIntentClassifier(oracles.Intent, prompts.Intent)
	if err != nil {
		return nil, err
	}
	reasoner, err := newReasoner(oracles.Reasoning, prompts.Reasoning)
	if err != nil {
		return nil, err
	}
	synthesizer, err := newSynthesizer(oracles.Synthesis, prompts.Synthesis)
	if err != nil {
		return nil, err
	}
	summarizer, err := newSummarizer(oracles.Summary, prompts.Summary)
	if err != nil {
		return nil, err
	}

	return &registryImpl{
		intent:      intent,
		reasoner:    reasoner,
		synthesizer: synthesizer,
		summarizer:  summarizer,
	}, nil
}

package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/intent.txt
	intentRaw string

	//go:embed template/reasoning.txt
	reasoningRaw string

	//go:embed template/synthesis.txt
	synthesisRaw string

	//go:embed template/summary.txt
	summaryRaw string
)

// PromptSet holds the system prompt of each oracle-backed agent.
type PromptSet struct {
	Intent    string
	Reasoning string
	Synthesis string
	Summary   string
}

// LoadPromptSet returns the embedded prompts, trimmed.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Intent:    strings.TrimSpace(intentRaw),
		Reasoning: strings.TrimSpace(reasoningRaw),
		Synthesis: strings.TrimSpace(synthesisRaw),
		Summary:   strings.TrimSpace(summaryRaw),
	}
}

// WithDefaults fills empty prompts from the embedded set.
func (p PromptSet) WithDefaults() PromptSet {
	def := LoadPromptSet()
	if strings.TrimSpace(p.Intent) == "" {
		p.Intent = def.Intent
	}
	if strings.TrimSpace(p.Reasoning) == "" {
		p.Reasoning = def.Reasoning
	}
	if strings.TrimSpace(p.Synthesis) == "" {
		p.Synthesis = def.Synthesis
	}
	if strings.TrimSpace(p.Summary) == "" {
		p.Summary = def.Summary
	}
	return p
}

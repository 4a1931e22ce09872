package orchestratornode

import (
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

type DomainMatcher interface {
	Match(query string) []string
}

// DefaultMemoryTypes reads every tier: the session's working transcript,
// recent episodes and shared facts.
var DefaultMemoryTypes = []contractx.MemoryType{
	contractx.MemoryWorking,
	contractx.MemoryEpisodic,
	contractx.MemorySemantic,
}

func DefaultMemoryLimits() map[contractx.MemoryType]int {
	return map[contractx.MemoryType]int{
		contractx.MemoryWorking:  20,
		contractx.MemoryEpisodic: 5,
		contractx.MemorySemantic: 5,
	}
}

type PlanConfig struct {
	RetrievalK   int
	// MemoryTypes falls back to DefaultMemoryTypes when empty.
	MemoryTypes  []contractx.MemoryType
	// MemoryLimits overrides DefaultMemoryLimits per tier.
	MemoryLimits map[contractx.MemoryType]int
}

// Plan derives the execution plan from the normalized query.
func Plan(in *RunState, matcher DomainMatcher, cfg PlanConfig) (*RunState, error) {
	types := cfg.MemoryTypes
	if len(types) == 0 {
		types = DefaultMemoryTypes
	}
	limits := DefaultMemoryLimits()
	for t, n := range cfg.MemoryLimits {
		limits[t] = n
	}

	var matched []string
	if matcher != nil {
		matched = matcher.Match(in.NormalizedQuery)
	}

	plan := contractx.ExecutionPlan{
		DomainHint:      len(matched) > 0,
		MatchedKeywords: matched,
		K:               cfg.RetrievalK,
		MemoryTypes:     append([]contractx.MemoryType(nil), types...),
		MemoryLimits:    limits,
	}
	if err := in.Plan.Set(plan); err != nil {
		return nil, err
	}
	return in, nil
}

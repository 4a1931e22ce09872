package orchestrator

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	nodex "github.com/tanpawarit/support-copilot/agent/nodes/orchestrator"
)

type Config struct {
	StageTimeout    time.Duration `envconfig:"STAGE_TIMEOUT" split_words:"true" default:"30s"`
	BranchTimeout   time.Duration `envconfig:"BRANCH_TIMEOUT" split_words:"true" default:"10s"`
	DetachedTimeout time.Duration `envconfig:"DETACHED_TIMEOUT" split_words:"true" default:"15s"`
	MaxQueryRunes   int           `envconfig:"MAX_QUERY_RUNES" split_words:"true" default:"2000"`
	RetrievalK      int           `envconfig:"RETRIEVAL_K" split_words:"true" default:"8"`
	EventBuffer     int           `envconfig:"EVENT_BUFFER" split_words:"true" default:"64"`

	MemoryTypes         []string `envconfig:"MEMORY_TYPES" split_words:"true" default:"working,episodic,semantic"`
	WorkingMemoryLimit  int      `envconfig:"WORKING_MEMORY_LIMIT" split_words:"true" default:"20"`
	EpisodicMemoryLimit int      `envconfig:"EPISODIC_MEMORY_LIMIT" split_words:"true" default:"5"`
	SemanticMemoryLimit int      `envconfig:"SEMANTIC_MEMORY_LIMIT" split_words:"true" default:"5"`
}

func DefaultConfig() Config {
	return Config{
		StageTimeout:    30 * time.Second,
		BranchTimeout:   10 * time.Second,
		DetachedTimeout: 15 * time.Second,
		MaxQueryRunes:   nodex.DefaultMaxQueryRunes,
		RetrievalK:      8,
		EventBuffer:     64,

		MemoryTypes:         []string{"working", "episodic", "semantic"},
		WorkingMemoryLimit:  20,
		EpisodicMemoryLimit: 5,
		SemanticMemoryLimit: 5,
	}
}

func (c Config) Validate() error {
	if c.StageTimeout <= 0 || c.BranchTimeout <= 0 || c.DetachedTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be > 0", contractx.ErrValidation)
	}
	if c.BranchTimeout > c.StageTimeout {
		return fmt.Errorf("%w: branch timeout must not exceed stage timeout", contractx.ErrValidation)
	}
	if c.MaxQueryRunes <= 0 {
		return fmt.Errorf("%w: max query runes must be > 0", contractx.ErrValidation)
	}
	if c.RetrievalK < 0 || c.EventBuffer < 0 {
		return fmt.Errorf("%w: limits must be >= 0", contractx.ErrValidation)
	}
	if c.WorkingMemoryLimit < 0 || c.EpisodicMemoryLimit < 0 || c.SemanticMemoryLimit < 0 {
		return fmt.Errorf("%w: memory limits must be >= 0", contractx.ErrValidation)
	}
	for _, t := range c.MemoryTypes {
		if !contractx.MemoryType(strings.TrimSpace(t)).Valid() {
			return fmt.Errorf("%w: unknown memory type %q", contractx.ErrValidation, t)
		}
	}
	return nil
}

func (c Config) planConfig() nodex.PlanConfig {
	types := make([]contractx.MemoryType, 0, len(c.MemoryTypes))
	seen := make(map[contractx.MemoryType]bool, len(c.MemoryTypes))
	for _, raw := range c.MemoryTypes {
		t := contractx.MemoryType(strings.TrimSpace(raw))
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return nodex.PlanConfig{
		RetrievalK:  c.RetrievalK,
		MemoryTypes: types,
		MemoryLimits: map[contractx.MemoryType]int{
			contractx.MemoryWorking:  c.WorkingMemoryLimit,
			contractx.MemoryEpisodic: c.EpisodicMemoryLimit,
			contractx.MemorySemantic: c.SemanticMemoryLimit,
		},
	}
}

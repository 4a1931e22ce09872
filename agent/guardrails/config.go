package guardrails

import (
	"encoding/json"
	"fmt"
	"regexp"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

type Config struct {
	ConfidenceThreshold  float64  `envconfig:"CONFIDENCE_THRESHOLD" split_words:"true" default:"0.7"`
	UsableEvidenceFactor float64  `envconfig:"USABLE_EVIDENCE_FACTOR" split_words:"true" default:"0.85"`
	NoEvidenceConfidence float64  `envconfig:"NO_EVIDENCE_CONFIDENCE" split_words:"true" default:"0.1"`
	UnsafeCategories     []string `envconfig:"UNSAFE_CATEGORIES" split_words:"true"`
	EscalateOnNoAnswer   bool     `envconfig:"ESCALATE_ON_NO_ANSWER" split_words:"true" default:"true"`
	NoAnswerPatterns     []string `envconfig:"NO_ANSWER_PATTERNS" split_words:"true"`
	// EscalationPolicy is a JSON array of extra rules, e.g.
	// [{"when":"no_answer","then":"escalate"},{"when":"confidence_below","threshold":0.8}]
	EscalationPolicy string `envconfig:"ESCALATION_POLICY" split_words:"true" default:"[]"`
}

var defaultNoAnswerPatterns = []string{
	`\bI don't know\b`,
	`\bI do not know\b`,
	`\bno_answer\b`,
	`\bN/A\b`,
	`\[no_answer\]`,
	`\[escalate\]`,
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:  0.7,
		UsableEvidenceFactor: 0.85,
		NoEvidenceConfidence: 0.1,
		EscalateOnNoAnswer:   true,
		EscalationPolicy:     "[]",
	}
}

type PolicyRule struct {
	When      string  `json:"when"`
	Then      string  `json:"then,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

const (
	ruleNoAnswer        = "no_answer"
	ruleConfidenceBelow = "confidence_below"
)

func (c Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold must be in (0, 1]", contractx.ErrValidation)
	}
	if c.UsableEvidenceFactor <= 0 || c.UsableEvidenceFactor > 1 {
		return fmt.Errorf("%w: usable evidence factor must be in (0, 1]", contractx.ErrValidation)
	}
	if c.NoEvidenceConfidence < 0 || c.NoEvidenceConfidence >= c.ConfidenceThreshold {
		return fmt.Errorf("%w: no-evidence confidence must be below the confidence threshold", contractx.ErrValidation)
	}
	return nil
}

func (c Config) compilePatterns() ([]*regexp.Regexp, error) {
	src := c.NoAnswerPatterns
	if len(src) == 0 {
		src = defaultNoAnswerPatterns
	}
	out := make([]*regexp.Regexp, 0, len(src))
	for _, p := range src {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: no-answer pattern %q: %v", contractx.ErrValidation, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (c Config) policyRules() ([]PolicyRule, error) {
	if c.EscalationPolicy == "" {
		return nil, nil
	}
	var rules []PolicyRule
	if err := json.Unmarshal([]byte(c.EscalationPolicy), &rules); err != nil {
		return nil, fmt.Errorf("%w: escalation policy: %v", contractx.ErrValidation, err)
	}
	return rules, nil
}

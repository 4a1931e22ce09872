package retrieval

import (
	"fmt"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

// Config holds the retrieval gate policy. Distances are store-specific and
// only meaningful relative to these thresholds.
type Config struct {
	MaxDistance           float64  `envconfig:"MAX_DISTANCE" split_words:"true" default:"1.2"`
	ConfidenceMaxDistance float64  `envconfig:"CONFIDENCE_MAX_DISTANCE" split_words:"true" default:"1.1"`
	Leniency              float64  `envconfig:"LENIENCY" split_words:"true" default:"1.2"`
	TopK                  int      `envconfig:"TOP_K" split_words:"true" default:"8"`
	DomainKeywords        []string `envconfig:"DOMAIN_KEYWORDS" split_words:"true" default:"loan,policy,eligibility,student,education,abroad,international,disbursement,repayment"`
	ExpansionTerms        []string `envconfig:"EXPANSION_TERMS" split_words:"true" default:"education,loan,eligibility"`
}

func (c Config) Validate() error {
	if c.MaxDistance <= 0 {
		return fmt.Errorf("%w: max distance must be > 0", contractx.ErrValidation)
	}
	if c.ConfidenceMaxDistance <= 0 || c.ConfidenceMaxDistance > c.MaxDistance {
		return fmt.Errorf("%w: confidence max distance must be in (0, max distance]", contractx.ErrValidation)
	}
	if c.Leniency < 1 {
		return fmt.Errorf("%w: leniency must be >= 1", contractx.ErrValidation)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top k must be > 0", contractx.ErrValidation)
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		MaxDistance:           1.2,
		ConfidenceMaxDistance: 1.1,
		Leniency:              1.2,
		TopK:                  8,
		DomainKeywords:        []string{"loan", "policy", "eligibility", "student", "education", "abroad", "international", "disbursement", "repayment"},
		ExpansionTerms:        []string{"education", "loan", "eligibility"},
	}
}

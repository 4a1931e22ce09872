package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	openrouterx "github.com/tanpawarit/support-copilot/pkg/openrouter"
)

// Role names an oracle-backed agent. Each role may override the default model.
type Role string

const (
	RoleIntent    Role = "intent"
	RoleReasoning Role = "reasoning"
	RoleSynthesis Role = "synthesis"
	RoleSummary   Role = "summary"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	IntentModel          string  `envconfig:"INTENT_MODEL" split_words:"true"`
	ReasoningModel       string  `envconfig:"REASONING_MODEL" split_words:"true"`
	SynthesisModel       string  `envconfig:"SYNTHESIS_MODEL" split_words:"true"`
	SummaryModel         string  `envconfig:"SUMMARY_MODEL" split_words:"true"`
	IntentTemperature    float32 `envconfig:"INTENT_TEMPERATURE" split_words:"true" default:"0"`
	ReasoningTemperature float32 `envconfig:"REASONING_TEMPERATURE" split_words:"true" default:"-1"`
	SynthesisTemperature float32 `envconfig:"SYNTHESIS_TEMPERATURE" split_words:"true" default:"-1"`
	SummaryTemperature   float32 `envconfig:"SUMMARY_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

func (c Config) OpenRouterFor(role Role) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	override := func(model string, t float32) {
		if v := strings.TrimSpace(model); v != "" {
			modelName = v
		}
		if t >= 0 {
			temp = t
		}
	}

	switch role {
	case RoleIntent:
		override(c.IntentModel, c.IntentTemperature)
	case RoleReasoning:
		override(c.ReasoningModel, c.ReasoningTemperature)
	case RoleSynthesis:
		override(c.SynthesisModel, c.SynthesisTemperature)
	case RoleSummary:
		override(c.SummaryModel, c.SummaryTemperature)
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

type ModerationConfig struct {
	Model string `envconfig:"MODERATION_MODEL" split_words:"true" default:"omni-moderation-latest"`
}

// OpenAIModerationClassifier is a SafetyClassifier backed by the OpenAI moderation
// endpoint. Severity is the highest category score.
type OpenAIModerationClassifier struct {
	client *openai.Client
	model  string
}

var _ contractx.SafetyClassifier = (*OpenAIModerationClassifier)(nil)

func NewOpenAIModerationClassifier(client *openai.Client, cfg ModerationConfig) (*OpenAIModerationClassifier, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.ModerationModelOmniModerationLatest
	}
	return &OpenAIModerationClassifier{client: client, model: model}, nil
}

func (m *OpenAIModerationClassifier) Classify(ctx context.Context, text string) (contractx.SafetyVerdict, error) {
	res, err := m.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
		Model: m.model,
	})
	if err != nil {
		return contractx.SafetyVerdict{}, fmt.Errorf("moderation: %w", err)
	}
	if res == nil || len(res.Results) == 0 {
		return contractx.SafetyVerdict{}, fmt.Errorf("%w: moderation returned no results", contractx.ErrInvalidResponse)
	}
	return verdictFromModeration(res.Results[0])
}

func verdictFromModeration(r openai.Moderation) (contractx.SafetyVerdict, error) {
	v := contractx.SafetyVerdict{
		Flagged:    r.Flagged,
		Categories: map[string]bool{},
		Scores:     map[string]float64{},
	}
	if raw := r.Categories.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &v.Categories); err != nil {
			return contractx.SafetyVerdict{}, fmt.Errorf("%w: decode moderation categories: %v", contractx.ErrInvalidResponse, err)
		}
	}
	if raw := r.CategoryScores.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &v.Scores); err != nil {
			return contractx.SafetyVerdict{}, fmt.Errorf("%w: decode moderation scores: %v", contractx.ErrInvalidResponse, err)
		}
	}
	for _, s := range v.Scores {
		if s > v.Severity {
			v.Severity = s
		}
	}
	return v, nil
}

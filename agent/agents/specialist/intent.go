package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const ToolIntent = "oracle.intent"

const maxIntentQueryRunes = 500

type intentLLMOutput struct {
	Category string   `json:"category"`
	Intent   string   `json:"intent,omitempty"`
	Urgency  string   `json:"urgency"`
	SLARisk  string   `json:"sla_risk"`
	Entities []string `json:"entities,omitempty"`
}

type intentClassifier struct {
	oracle contractx.Oracle
	system string
	parser schema.MessageParser[intentLLMOutput]
}

func newIntentClassifier(oracle contractx.Oracle, system string) (*intentClassifier, error) {
	if oracle == nil {
		return nil, errors.New("intent oracle is required")
	}
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: intent", contractx.ErrPromptMissing)
	}
	return &intentClassifier{
		oracle: oracle,
		system: system,
		parser: schema.NewMessageJSONParser[intentLLMOutput](&schema.MessageJSONParseConfig{
			ParseFrom: schema.MessageParseFromContent,
		}),
	}, nil
}

func (c *intentClassifier) Classify(ctx context.Context, query string) (contractx.IntentResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return contractx.IntentResult{}, fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}

	raw, err := completeWithRetry(ctx, c.oracle, ToolIntent, c.system,
		"Classify this support query:\n"+truncate(query, maxIntentQueryRunes))
	if err != nil {
		return contractx.IntentResult{}, err
	}

	out, err := c.parser.Parse(ctx, &schema.Message{Role: schema.Assistant, Content: stripCodeFence(raw)})
	if err != nil {
		return contractx.IntentResult{}, fmt.Errorf("%w: intent output: %v", contractx.ErrSchemaViolation, err)
	}

	return toIntentResult(out), nil
}

func toIntentResult(out intentLLMOutput) contractx.IntentResult {
	label := strings.ToLower(strings.TrimSpace(out.Category))
	if label == "" {
		label = strings.ToLower(strings.TrimSpace(out.Intent))
	}

	category, known := contractx.ParseIntentCategory(label)
	res := contractx.IntentResult{
		Version:  contractx.IntentSchemaVersion,
		Category: category,
		Urgency:  contractx.ParseLevel(strings.ToLower(strings.TrimSpace(out.Urgency))),
		SLARisk:  contractx.ParseLevel(strings.ToLower(strings.TrimSpace(out.SLARisk))),
	}
	if !known {
		res.Raw = label
		log.Debug().Str("label", label).Msg("intent_label_unmapped")
	}
	for _, e := range out.Entities {
		if e = strings.TrimSpace(e); e != "" {
			res.Entities = append(res.Entities, e)
		}
	}
	return res
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if lang := strings.TrimSpace(s[:nl]); lang == "" || !strings.ContainsAny(lang, "{[") {
			s = s[nl+1:]
		}
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

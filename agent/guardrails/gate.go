package guardrails

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	llmx "github.com/tanpawarit/support-copilot/agent/llm"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
)

const ToolClassify = "guardrails.classify"

const (
	ReasonOK             = "ok"
	ReasonUnsafe         = "content_safety_flagged"
	ReasonLowConfidence  = "low_confidence"
	ReasonNoEvidence     = "no_reliable_evidence"
	ReasonNoAnswer       = "no_answer"
	ReasonPolicyEscalate = "policy_escalation"
)

// Evidence is the retrieval context for an output check. A nil *Evidence or
// Available=false means the retrieval branch produced nothing usable.
type Evidence struct {
	Available bool
	Class     contractx.RetrievalClass
}

func (e *Evidence) usable() bool {
	return e != nil && e.Available && e.Class.Usable()
}

// Gate applies the same safety check to user input and to draft output.
// It never builds user-facing text.
type Gate struct {
	classifier contractx.SafetyClassifier
	cfg        Config
	unsafe     map[string]struct{}
	patterns   []*regexp.Regexp
	rules      []PolicyRule
}

func NewGate(classifier contractx.SafetyClassifier, cfg Config) (*Gate, error) {
	if classifier == nil {
		return nil, errors.New("safety classifier is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	patterns, err := cfg.compilePatterns()
	if err != nil {
		return nil, err
	}
	rules, err := cfg.policyRules()
	if err != nil {
		return nil, err
	}

	unsafe := make(map[string]struct{}, len(cfg.UnsafeCategories))
	for _, c := range cfg.UnsafeCategories {
		if c = strings.TrimSpace(c); c != "" {
			unsafe[c] = struct{}{}
		}
	}

	return &Gate{
		classifier: classifier,
		cfg:        cfg,
		unsafe:     unsafe,
		patterns:   patterns,
		rules:      rules,
	}, nil
}

type classifyInput struct {
	Mode  contractx.GuardMode `json:"mode"`
	Chars int                 `json:"chars"`
}

// Check classifies text and applies the ordered policy rules; the first match
// wins. A classifier failure after one retry is returned as an error.
func (g *Gate) Check(
	ctx context.Context,
	text string,
	mode contractx.GuardMode,
	evidence *Evidence,
) (contractx.GuardrailsDecision, error) {
	if mode != contractx.GuardInput && mode != contractx.GuardOutput {
		return contractx.GuardrailsDecision{}, fmt.Errorf("%w: unknown guard mode %q", contractx.ErrValidation, mode)
	}

	verdict, err := toolx.Observe(ctx, ToolClassify, classifyInput{Mode: mode, Chars: len(text)},
		func(ctx context.Context) (contractx.SafetyVerdict, error) {
			return llmx.WithRetry(ctx, func(ctx context.Context) (contractx.SafetyVerdict, error) {
				return g.classifier.Classify(ctx, text)
			})
		})
	if err != nil {
		return contractx.GuardrailsDecision{}, fmt.Errorf("classify %s: %w", mode, err)
	}

	decision := g.decide(text, mode, evidence, verdict)
	metricsx.GuardrailDecisions.WithLabelValues(string(mode), strconv.FormatBool(decision.Triggered)).Inc()
	log.Debug().
		Str("mode", string(mode)).
		Bool("triggered", decision.Triggered).
		Float64("confidence", decision.Confidence).
		Str("reason", decision.Reason).
		Msg("guardrails_decision")
	return decision, nil
}

func (g *Gate) decide(
	text string,
	mode contractx.GuardMode,
	evidence *Evidence,
	verdict contractx.SafetyVerdict,
) contractx.GuardrailsDecision {
	confidence := g.confidence(mode, evidence, verdict.Severity)
	d := contractx.GuardrailsDecision{Confidence: confidence, Reason: ReasonOK}

	if category, ok := g.unsafeMatch(verdict); ok {
		d.Triggered = true
		d.Unsafe = true
		d.Reason = ReasonUnsafe
		d.PolicyMatched = policy("unsafe_category:" + category)
		return d
	}

	if confidence < g.cfg.ConfidenceThreshold {
		d.Triggered = true
		d.Reason = ReasonLowConfidence
		d.PolicyMatched = policy("confidence_threshold")
		if mode == contractx.GuardOutput && !evidence.usable() {
			d.NoAnswer = true
			d.Reason = ReasonNoEvidence
		}
		return d
	}

	if mode != contractx.GuardOutput {
		return d
	}

	noAnswer := g.detectNoAnswer(text)
	if noAnswer && g.cfg.EscalateOnNoAnswer {
		d.Triggered = true
		d.NoAnswer = true
		d.Reason = ReasonNoAnswer
		d.PolicyMatched = policy("no_answer")
		return d
	}

	for i, rule := range g.rules {
		matched := false
		switch rule.When {
		case ruleNoAnswer:
			matched = noAnswer && (rule.Then == "" || rule.Then == "escalate")
		case ruleConfidenceBelow:
			matched = confidence < rule.Threshold
		}
		if !matched {
			continue
		}
		d.Triggered = true
		d.NoAnswer = noAnswer
		d.Reason = ReasonPolicyEscalate
		d.PolicyMatched = policy(fmt.Sprintf("policy[%d]:%s", i, rule.When))
		return d
	}

	return d
}

// confidence inverts severity; output checks are further bounded by the
// strength of the retrieval evidence.
func (g *Gate) confidence(mode contractx.GuardMode, evidence *Evidence, severity float64) float64 {
	c := clamp01(1 - severity)
	if mode != contractx.GuardOutput {
		return c
	}
	if !evidence.usable() {
		return g.cfg.NoEvidenceConfidence
	}
	if evidence.Class == contractx.RetrievalUsable {
		c *= g.cfg.UsableEvidenceFactor
	}
	return clamp01(c)
}

func (g *Gate) unsafeMatch(v contractx.SafetyVerdict) (string, bool) {
	flagged := make([]string, 0, len(v.Categories))
	for cat, on := range v.Categories {
		if on {
			flagged = append(flagged, cat)
		}
	}
	sort.Strings(flagged)

	for _, cat := range flagged {
		if len(g.unsafe) == 0 {
			return cat, true
		}
		if _, ok := g.unsafe[cat]; ok {
			return cat, true
		}
	}
	if len(g.unsafe) == 0 && v.Flagged {
		return "flagged", true
	}
	return "", false
}

func (g *Gate) detectNoAnswer(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func policy(id string) *string {
	return &id
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

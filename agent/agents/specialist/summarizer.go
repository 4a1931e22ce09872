package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const ToolSummary = "oracle.summary"

type summarizer struct {
	oracle contractx.Oracle
	system string
}

func newSummarizer(oracle contractx.Oracle, system string) (*summarizer, error) {
	if oracle == nil {
		return nil, errors.New("summary oracle is required")
	}
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: summary", contractx.ErrPromptMissing)
	}
	return &summarizer{oracle: oracle, system: system}, nil
}

func (s *summarizer) Summarize(ctx context.Context, turns []string) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: nothing to summarize", contractx.ErrValidation)
	}
	input := "Conversation turns, oldest first:\n" + strings.Join(turns, "\n")
	return completeWithRetry(ctx, s.oracle, ToolSummary, s.system, input)
}

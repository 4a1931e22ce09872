package specialist

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	llmx "github.com/tanpawarit/support-copilot/agent/llm"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
)

type completionInput struct {
	Agent      string `json:"agent"`
	InputChars int    `json:"input_chars"`
}

type completionSummary struct {
	Chars int `json:"chars"`
}

// completeWithRetry is the single path to the oracle: one tool-call event per
// logical call, one retry on transient failures.
func completeWithRetry(
	ctx context.Context,
	oracle contractx.Oracle,
	toolName string,
	system string,
	user string,
) (string, error) {
	var text string
	_, err := toolx.Observe(ctx, toolName, completionInput{Agent: toolName, InputChars: len(user)},
		func(ctx context.Context) (completionSummary, error) {
			out, err := llmx.WithRetry(ctx, func(ctx context.Context) (string, error) {
				return oracle.Complete(ctx, system, user)
			})
			if err != nil {
				return completionSummary{}, err
			}
			text = strings.TrimSpace(out)
			if text == "" {
				return completionSummary{}, fmt.Errorf("%w: empty completion", contractx.ErrInvalidResponse)
			}
			return completionSummary{Chars: len(text)}, nil
		})
	if err != nil {
		return "", err
	}
	return text, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	llmx "github.com/tanpawarit/support-copilot/agent/llm"
)

// ChatOracle adapts an eino chat model to contract.Oracle.
type ChatOracle struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.Oracle = (*ChatOracle)(nil)

func NewChatOracle(ctx context.Context, chatModel einomodel.BaseChatModel, name string) (*ChatOracle, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	runner, err := compileOracleGraph(ctx, chatModel, "oracle."+name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	return &ChatOracle{runner: runner}, nil
}

func (o *ChatOracle) Complete(ctx context.Context, systemContext, userContext string) (string, error) {
	msg, err := o.runner.Invoke(ctx, map[string]any{
		"system": systemContext,
		"input":  userContext,
	})
	if err != nil {
		return "", llmx.ClassifyError(err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", contractx.ErrInvalidResponse)
	}
	return strings.TrimSpace(msg.Content), nil
}

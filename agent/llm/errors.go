package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

// ClassifyError maps an upstream model error onto the oracle error taxonomy.
// Already classified errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, contractx.ErrRateLimited) ||
		errors.Is(err, contractx.ErrOracleTimeout) ||
		errors.Is(err, contractx.ErrInvalidResponse) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", contractx.ErrOracleTimeout, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", contractx.ErrRateLimited, err)
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", contractx.ErrOracleTimeout, err)
		case apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", contractx.ErrInvalidResponse, err)
		}
	}

	// eino-ext wraps its own client errors; fall back to the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", contractx.ErrRateLimited, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", contractx.ErrOracleTimeout, err)
	}
	return fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
}

// WithRetry calls fn and retries exactly once when the classified error is
// transient. Invalid responses are never retried.
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil {
		return out, nil
	}
	err = ClassifyError(err)
	if !contractx.IsTransient(err) || ctx.Err() != nil {
		return out, err
	}

	out, err = fn(ctx)
	return out, ClassifyError(err)
}

package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

type Config struct {
	Destination string `envconfig:"DESTINATION" split_words:"true"`
}

// Publisher is the subset of the QStash client used here.
type Publisher interface {
	Publish(ctx context.Context, destination string, body []byte) (string, error)
}

// QStashSink hands escalated runs to a QStash destination for human
// follow-up.
type QStashSink struct {
	publisher   Publisher
	destination string
}

var _ contractx.EscalationSink = (*QStashSink)(nil)

func NewQStashSink(publisher Publisher, cfg Config) (*QStashSink, error) {
	if publisher == nil {
		return nil, errors.New("qstash publisher is required")
	}
	destination := strings.TrimSpace(cfg.Destination)
	if destination == "" {
		return nil, fmt.Errorf("%w: escalation destination is required", contractx.ErrValidation)
	}
	return &QStashSink{publisher: publisher, destination: destination}, nil
}

func (s *QStashSink) Notify(ctx context.Context, e contractx.Escalation) error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("%w: escalation run id is required", contractx.ErrValidation)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	id, err := s.publisher.Publish(ctx, s.destination, body)
	if err != nil {
		return fmt.Errorf("publish escalation: %w", err)
	}
	log.Info().
		Str("run_id", e.RunID).
		Str("session_id", e.SessionID).
		Str("stage", string(e.Stage)).
		Str("message_id", id).
		Msg("escalation_published")
	return nil
}

// LogSink records escalations in the log only. Used when no queue is
// configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, e contractx.Escalation) error {
	log.Warn().
		Str("run_id", e.RunID).
		Str("session_id", e.SessionID).
		Str("stage", string(e.Stage)).
		Str("reason", e.Reason).
		Msg("escalation_unrouted")
	return nil
}

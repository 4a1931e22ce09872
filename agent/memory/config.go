package memory

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

type Config struct {
	// DSN selects the backend: postgres:// or postgresql:// for Postgres,
	// anything else is a SQLite path (":memory:" allowed).
	DSN              string        `envconfig:"DSN" split_words:"true" default:"copilot_memory.db"`
	WorkingTurnLimit int           `envconfig:"WORKING_TURN_LIMIT" split_words:"true" default:"20"`
	SummaryTimeout   time.Duration `envconfig:"SUMMARY_TIMEOUT" split_words:"true" default:"15s"`
	BusyTimeout      time.Duration `envconfig:"BUSY_TIMEOUT" split_words:"true" default:"5s"`
	MaxOpenConns     int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"10"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("%w: memory dsn is required", contractx.ErrValidation)
	}
	// a run writes its user and assistant turns as one batch, which needs
	// room next to the fold summary
	if c.WorkingTurnLimit < 3 {
		return fmt.Errorf("%w: working turn limit must be >= 3", contractx.ErrValidation)
	}
	return nil
}

func (c Config) isPostgres() bool {
	dsn := strings.TrimSpace(c.DSN)
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

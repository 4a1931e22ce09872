package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const (
	BackendChromem  = "chromem"
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
)

// StoreConfig selects the chunk store backend (prefix CHUNKSTORE).
type StoreConfig struct {
	Backend     string `envconfig:"BACKEND" split_words:"true" default:"chromem"`
	ChromemPath string `envconfig:"CHROMEM_PATH" split_words:"true"`
	Collection  string `envconfig:"COLLECTION" split_words:"true" default:"support_chunks"`
	PgDSN       string `envconfig:"PG_DSN" split_words:"true"`
	PgTable     string `envconfig:"PG_TABLE" split_words:"true" default:"support_chunks"`

	Qdrant QdrantConfig `envconfig:"QDRANT"`
}

func (c StoreConfig) Validate() error {
	switch c.backend() {
	case BackendChromem:
		return nil
	case BackendQdrant:
		if strings.TrimSpace(c.Qdrant.URL) == "" {
			return fmt.Errorf("%w: qdrant url is required", contractx.ErrValidation)
		}
		return nil
	case BackendPgvector:
		if strings.TrimSpace(c.PgDSN) == "" {
			return fmt.Errorf("%w: pgvector dsn is required", contractx.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown chunk store backend %q", contractx.ErrValidation, c.Backend)
	}
}

func (c StoreConfig) backend() string {
	return strings.ToLower(strings.TrimSpace(c.Backend))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OpenStore builds the configured chunk store. The returned closer releases
// its connections.
func OpenStore(ctx context.Context, cfg StoreConfig, embedder contractx.Embedder) (contractx.ChunkStore, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	switch cfg.backend() {
	case BackendQdrant:
		qcfg := cfg.Qdrant
		if strings.TrimSpace(qcfg.Collection) == "" {
			qcfg.Collection = cfg.Collection
		}
		store, err := NewQdrantStore(qcfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil

	case BackendPgvector:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(strings.TrimSpace(cfg.PgDSN))))
		db := bun.NewDB(sqldb, pgdialect.New())
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping pgvector database: %w", err)
		}
		store, err := NewPgvectorStore(db, cfg.PgTable)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db, nil

	default:
		db, err := OpenChromemDB(strings.TrimSpace(cfg.ChromemPath))
		if err != nil {
			return nil, nil, err
		}
		store, err := NewChromemStore(db, cfg.Collection, embedder)
		if err != nil {
			return nil, nil, err
		}
		return store, closerFunc(func() error { return nil }), nil
	}
}

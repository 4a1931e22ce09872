package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

// PgvectorStore searches a Postgres table with a pgvector embedding column
// using L2 distance.
type PgvectorStore struct {
	db    *bun.DB
	table string
}

var _ contractx.ChunkStore = (*PgvectorStore)(nil)

type pgChunkRow struct {
	SourceID    string  `bun:"source_id"`
	ChunkIndex  int     `bun:"chunk_index"`
	StartOffset int     `bun:"start_offset"`
	EndOffset   int     `bun:"end_offset"`
	Content     string  `bun:"content"`
	Distance    float64 `bun:"distance"`
}

func NewPgvectorStore(db *bun.DB, table string) (*PgvectorStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	if table == "" {
		table = "support_chunks"
	}
	return &PgvectorStore{db: db, table: table}, nil
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float32, k int) ([]contractx.ScoredChunk, error) {
	var rows []pgChunkRow
	err := s.db.NewRaw(
		"SELECT source_id, chunk_index, start_offset, end_offset, content, embedding <-> ? AS distance FROM ? ORDER BY distance LIMIT ?",
		pgvector.NewVector(vector), bun.Ident(s.table), k,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}

	out := make([]contractx.ScoredChunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, contractx.ScoredChunk{
			Chunk: contractx.ChunkRecord{
				SourceID:    r.SourceID,
				ChunkIndex:  r.ChunkIndex,
				StartOffset: r.StartOffset,
				EndOffset:   r.EndOffset,
				Text:        r.Content,
			},
			Distance: r.Distance,
		})
	}
	return out, nil
}

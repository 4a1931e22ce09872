package retrieval

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const (
	metaSourceID    = "source_id"
	metaChunkIndex  = "chunk_index"
	metaStartOffset = "start_offset"
	metaEndOffset   = "end_offset"
)

// ChromemStore is an embedded chunk store. Distance is 1 - cosine similarity.
type ChromemStore struct {
	collection *chromem.Collection
}

var _ contractx.ChunkStore = (*ChromemStore)(nil)

// OpenChromemDB opens a persistent database when path is set, otherwise an
// in-memory one.
func OpenChromemDB(path string) (*chromem.DB, error) {
	if path == "" {
		return chromem.NewDB(), nil
	}
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
	}
	return db, nil
}

func NewChromemStore(db *chromem.DB, collection string, embedder contractx.Embedder) (*ChromemStore, error) {
	if db == nil {
		return nil, errors.New("chromem db is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	c, err := db.GetOrCreateCollection(collection, nil, chromem.EmbeddingFunc(embedder.Embed))
	if err != nil {
		return nil, fmt.Errorf("get or create collection %q: %w", collection, err)
	}
	return &ChromemStore{collection: c}, nil
}

// Index adds chunks; chunks without an embedding are embedded on insert.
func (s *ChromemStore) Index(ctx context.Context, chunks []contractx.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for _, ch := range chunks {
		docs = append(docs, chromem.Document{
			ID: ch.SourceID + "#" + strconv.Itoa(ch.ChunkIndex),
			Metadata: map[string]string{
				metaSourceID:    ch.SourceID,
				metaChunkIndex:  strconv.Itoa(ch.ChunkIndex),
				metaStartOffset: strconv.Itoa(ch.StartOffset),
				metaEndOffset:   strconv.Itoa(ch.EndOffset),
			},
			Embedding: ch.Embedding,
			Content:   ch.Text,
		})
	}
	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add chunks: %w", err)
	}
	return nil
}

func (s *ChromemStore) Count() int {
	return s.collection.Count()
}

func (s *ChromemStore) Search(ctx context.Context, vector []float32, k int) ([]contractx.ScoredChunk, error) {
	n := k
	if count := s.collection.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]contractx.ScoredChunk, 0, len(results))
	for _, r := range results {
		out = append(out, contractx.ScoredChunk{
			Chunk: contractx.ChunkRecord{
				SourceID:    r.Metadata[metaSourceID],
				ChunkIndex:  atoi(r.Metadata[metaChunkIndex]),
				StartOffset: atoi(r.Metadata[metaStartOffset]),
				EndOffset:   atoi(r.Metadata[metaEndOffset]),
				Text:        r.Content,
			},
			Distance: 1 - float64(r.Similarity),
		})
	}
	return out, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

type QdrantConfig struct {
	URL        string `envconfig:"URL" split_words:"true"`
	APIKey     string `envconfig:"API_KEY" split_words:"true"`
	Collection string `envconfig:"COLLECTION" split_words:"true" default:"support_chunks"`
	// Metric must match the collection: cosine and dot return similarities,
	// euclid returns distances.
	Metric string `envconfig:"METRIC" split_words:"true" default:"cosine"`
}

// QdrantStore searches a remote Qdrant collection over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	similarity bool
}

var _ contractx.ChunkStore = (*QdrantStore)(nil)

// parseQdrantURL maps the REST port 6333 onto the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("invalid qdrant url: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port in qdrant url: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		similarity: !strings.EqualFold(strings.TrimSpace(cfg.Metric), "euclid"),
	}, nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int) ([]contractx.ScoredChunk, error) {
	limit := uint64(k)
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	out := make([]contractx.ScoredChunk, 0, len(scored))
	for _, sp := range scored {
		distance := float64(sp.GetScore())
		if s.similarity {
			distance = 1 - distance
		}
		out = append(out, contractx.ScoredChunk{
			Chunk:    chunkFromPayload(sp.GetPayload()),
			Distance: distance,
		})
	}
	return out, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func chunkFromPayload(p map[string]*qdrant.Value) contractx.ChunkRecord {
	return contractx.ChunkRecord{
		SourceID:    p[metaSourceID].GetStringValue(),
		ChunkIndex:  int(p[metaChunkIndex].GetIntegerValue()),
		StartOffset: int(p[metaStartOffset].GetIntegerValue()),
		EndOffset:   int(p[metaEndOffset].GetIntegerValue()),
		Text:        p["text"].GetStringValue(),
	}
}

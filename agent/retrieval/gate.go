package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
)

const (
	ToolSearch = "retrieval.search"

	// thresholds are inclusive; the tolerance absorbs float error from the
	// leniency multiplication (1.5 * 1.2 != 1.8 in binary).
	distanceEpsilon = 1e-9
)

// Gate turns a query into a retrieval decision rather than a raw hit list.
type Gate struct {
	embedder contractx.Embedder
	store    contractx.ChunkStore
	cfg      Config
}

func NewGate(embedder contractx.Embedder, store contractx.ChunkStore, cfg Config) (*Gate, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if store == nil {
		return nil, errors.New("chunk store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{embedder: embedder, store: store, cfg: cfg}, nil
}

type thresholds struct {
	maxDistance        float64
	confidenceDistance float64
}

func (g *Gate) thresholds(domainHint bool) thresholds {
	t := thresholds{
		maxDistance:        g.cfg.MaxDistance,
		confidenceDistance: g.cfg.ConfidenceMaxDistance,
	}
	if domainHint {
		t.maxDistance *= g.cfg.Leniency
		t.confidenceDistance *= g.cfg.Leniency
	}
	return t
}

func within(distance, limit float64) bool {
	return distance <= limit+distanceEpsilon
}

// Retrieve embeds and searches once, retries once with an expanded query when
// nothing falls under the effective max distance, then classifies the best
// attempt.
func (g *Gate) Retrieve(ctx context.Context, query string, k int, domainHint bool) (contractx.RetrievalOutcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return contractx.RetrievalOutcome{}, fmt.Errorf("%w: retrieval query is empty", contractx.ErrValidation)
	}
	if k <= 0 {
		k = g.cfg.TopK
	}

	limits := g.thresholds(domainHint)

	results, err := g.search(ctx, query, k)
	if err != nil {
		return contractx.RetrievalOutcome{}, err
	}
	best := bestDistance(results)
	out := contractx.RetrievalOutcome{Attempts: 1}

	if !within(best, limits.maxDistance) {
		expanded := g.expand(query)
		if expanded != query {
			retry, err := g.search(ctx, expanded, k)
			out.Attempts++
			switch {
			case err != nil:
				log.Warn().Err(err).Str("expanded_query", expanded).Msg("retrieval_expansion_failed")
			case bestDistance(retry) < best:
				results = retry
				best = bestDistance(retry)
				out.ExpandedQuery = expanded
			}
		}
	}

	out.BestDistance = best
	out.Chunks = accepted(results, limits.maxDistance)
	switch {
	case within(best, limits.confidenceDistance):
		out.Class = contractx.RetrievalConfident
	case within(best, limits.maxDistance):
		out.Class = contractx.RetrievalUsable
	default:
		out.Class = contractx.RetrievalNone
	}

	metricsx.RetrievalOutcomes.WithLabelValues(string(out.Class), strconv.FormatBool(out.Attempts > 1)).Inc()
	log.Debug().
		Str("class", string(out.Class)).
		Float64("best_distance", best).
		Int("attempts", out.Attempts).
		Int("accepted", len(out.Chunks)).
		Bool("domain_hint", domainHint).
		Msg("retrieval_classified")

	return out, nil
}

type searchInput struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type searchSummary struct {
	Count        int     `json:"count"`
	BestDistance float64 `json:"best_distance"`
}

func (g *Gate) search(ctx context.Context, query string, k int) ([]contractx.ScoredChunk, error) {
	var results []contractx.ScoredChunk
	_, err := toolx.Observe(ctx, ToolSearch, searchInput{Query: query, K: k}, func(ctx context.Context) (searchSummary, error) {
		vec, err := g.embedder.Embed(ctx, query)
		if err != nil {
			return searchSummary{}, fmt.Errorf("embed query: %w", err)
		}
		found, err := g.store.Search(ctx, vec, k)
		if err != nil {
			return searchSummary{}, fmt.Errorf("search chunks: %w", err)
		}
		results = found
		best := bestDistance(found)
		if math.IsInf(best, 1) {
			best = -1
		}
		return searchSummary{Count: len(found), BestDistance: best}, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (g *Gate) expand(query string) string {
	lower := strings.ToLower(query)
	var extra []string
	for _, term := range g.cfg.ExpansionTerms {
		term = strings.TrimSpace(term)
		if term == "" || strings.Contains(lower, strings.ToLower(term)) {
			continue
		}
		extra = append(extra, term)
	}
	if len(extra) == 0 {
		return query
	}
	return query + " " + strings.Join(extra, " ")
}

func bestDistance(results []contractx.ScoredChunk) float64 {
	best := math.Inf(1)
	for _, r := range results {
		if r.Distance < best {
			best = r.Distance
		}
	}
	return best
}

func accepted(results []contractx.ScoredChunk, maxDistance float64) []contractx.ScoredChunk {
	out := make([]contractx.ScoredChunk, 0, len(results))
	for _, r := range results {
		if within(r.Distance, maxDistance) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})
	return out
}

package retrieval

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type fakeChunkStore struct {
	mu        sync.Mutex
	responses [][]contractx.ScoredChunk
	calls     int
	err       error
}

func (f *fakeChunkStore) Search(_ context.Context, _ []float32, _ int) ([]contractx.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	out := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return out, nil
}

func chunk(source string, distance float64) contractx.ScoredChunk {
	return contractx.ScoredChunk{
		Chunk:    contractx.ChunkRecord{SourceID: source, Text: "text of " + source},
		Distance: distance,
	}
}

func testConfig(maxDistance, confidenceDistance float64) Config {
	cfg := DefaultConfig()
	cfg.MaxDistance = maxDistance
	cfg.ConfidenceMaxDistance = confidenceDistance
	return cfg
}

func newTestGate(t *testing.T, store *fakeChunkStore, cfg Config) (*Gate, *fakeEmbedder) {
	t.Helper()
	emb := &fakeEmbedder{}
	gate, err := NewGate(emb, store, cfg)
	require.NoError(t, err)
	return gate, emb
}

func TestRetrieveGroundedAnswerIsConfident(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{responses: [][]contractx.ScoredChunk{{chunk("loan-policy.md", 0.2)}}}
	gate, _ := newTestGate(t, store, testConfig(1.5, 1.3))

	rec := toolx.NewRecorder(nil)
	ctx := toolx.WithRecorder(context.Background(), rec)

	out, err := gate.Retrieve(ctx, "what is the repayment period", 8, false)
	require.NoError(t, err)

	assert.Equal(t, contractx.RetrievalConfident, out.Class)
	assert.Equal(t, 1, out.Attempts)
	assert.InDelta(t, 0.2, out.BestDistance, 1e-12)
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, "loan-policy.md", out.Chunks[0].Chunk.SourceID)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ToolSearch, events[0].ToolName)
}

func TestRetrieveLeniencyReclassifiesBoundaryAsUsable(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{responses: [][]contractx.ScoredChunk{{chunk("eligibility.md", 1.8)}}}
	gate, _ := newTestGate(t, store, testConfig(1.5, 1.1))

	out, err := gate.Retrieve(context.Background(), "student loan eligibility abroad", 8, true)
	require.NoError(t, err)

	assert.Equal(t, contractx.RetrievalUsable, out.Class)
	assert.Equal(t, 1, out.Attempts, "no retry when the first search is within the lenient threshold")
	assert.Equal(t, 1, store.calls)
	require.Len(t, out.Chunks, 1)
}

func TestRetrieveRetriesOnceThenNone(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{responses: [][]contractx.ScoredChunk{{chunk("a.md", 1.8)}, {chunk("b.md", 1.9)}}}
	gate, emb := newTestGate(t, store, testConfig(1.5, 1.1))

	rec := toolx.NewRecorder(nil)
	ctx := toolx.WithRecorder(context.Background(), rec)

	out, err := gate.Retrieve(ctx, "who is raghu", 8, false)
	require.NoError(t, err)

	assert.Equal(t, contractx.RetrievalNone, out.Class)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, store.calls)
	assert.Empty(t, out.Chunks)
	assert.InDelta(t, 1.8, out.BestDistance, 1e-12, "keeps the better attempt")
	assert.Empty(t, out.ExpandedQuery)
	assert.Len(t, rec.Events(), 2)

	require.Len(t, emb.queries, 2)
	assert.True(t, strings.HasPrefix(emb.queries[1], "who is raghu "))
	assert.Contains(t, emb.queries[1], "education")
}

func TestRetrieveExpansionImproves(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{responses: [][]contractx.ScoredChunk{{chunk("a.md", 2.5)}, {chunk("b.md", 0.5), chunk("c.md", 1.0)}}}
	gate, _ := newTestGate(t, store, testConfig(1.2, 1.1))

	out, err := gate.Retrieve(context.Background(), "how do i apply", 8, false)
	require.NoError(t, err)

	assert.Equal(t, contractx.RetrievalConfident, out.Class)
	assert.Equal(t, 2, out.Attempts)
	assert.NotEmpty(t, out.ExpandedQuery)
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, "b.md", out.Chunks[0].Chunk.SourceID)
}

func TestRetrieveEmptyResultIsNone(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{}
	gate, _ := newTestGate(t, store, testConfig(1.2, 1.1))

	out, err := gate.Retrieve(context.Background(), "anything", 8, false)
	require.NoError(t, err)

	assert.Equal(t, contractx.RetrievalNone, out.Class)
	assert.True(t, math.IsInf(out.BestDistance, 1))
	assert.Empty(t, out.Chunks)
	assert.Equal(t, 2, out.Attempts)
}

func TestRetrieveAcceptedChunksSortedAndFiltered(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{responses: [][]contractx.ScoredChunk{{chunk("far.md", 1.0), chunk("near.md", 0.3), chunk("out.md", 2.0)}}}
	gate, _ := newTestGate(t, store, testConfig(1.2, 1.1))

	out, err := gate.Retrieve(context.Background(), "loan interest", 8, false)
	require.NoError(t, err)

	require.Len(t, out.Chunks, 2)
	assert.Equal(t, "near.md", out.Chunks[0].Chunk.SourceID)
	assert.Equal(t, "far.md", out.Chunks[1].Chunk.SourceID)
}

func TestRetrieveUsableBetweenThresholds(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{responses: [][]contractx.ScoredChunk{{chunk("a.md", 1.15)}}}
	gate, _ := newTestGate(t, store, testConfig(1.2, 1.1))

	out, err := gate.Retrieve(context.Background(), "loan interest", 8, false)
	require.NoError(t, err)
	assert.Equal(t, contractx.RetrievalUsable, out.Class)
}

func TestRetrieveSearchError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("index offline")
	store := &fakeChunkStore{err: wantErr}
	gate, _ := newTestGate(t, store, testConfig(1.2, 1.1))

	_, err := gate.Retrieve(context.Background(), "loan", 8, false)
	require.ErrorIs(t, err, wantErr)
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	gate, _ := newTestGate(t, &fakeChunkStore{}, testConfig(1.2, 1.1))
	_, err := gate.Retrieve(context.Background(), "   ", 8, false)
	require.ErrorIs(t, err, contractx.ErrValidation)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Leniency = 0.5
	require.ErrorIs(t, bad.Validate(), contractx.ErrValidation)

	bad = DefaultConfig()
	bad.ConfidenceMaxDistance = 2
	require.ErrorIs(t, bad.Validate(), contractx.ErrValidation)
}

func TestDomainMatcher(t *testing.T) {
	t.Parallel()

	m := NewDomainMatcher([]string{"Loan", " eligibility ", ""})
	assert.Equal(t, []string{"loan", "eligibility"}, m.Match("Loan eligibility for a loan?"))
	assert.Empty(t, m.Match("who is raghu"))
	assert.Empty(t, (*DomainMatcher)(nil).Match("loan"))
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	guardrailsx "github.com/tanpawarit/support-copilot/agent/guardrails"
	memoryx "github.com/tanpawarit/support-copilot/agent/memory"
	nodex "github.com/tanpawarit/support-copilot/agent/nodes/orchestrator"
	retrievalx "github.com/tanpawarit/support-copilot/agent/retrieval"
	statex "github.com/tanpawarit/support-copilot/agent/state"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeIntent struct {
	delay time.Duration
	err   error
}

func (f *fakeIntent) Classify(ctx context.Context, _ string) (contractx.IntentResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return contractx.IntentResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return contractx.IntentResult{}, f.err
	}
	return contractx.IntentResult{
		Version:  contractx.IntentSchemaVersion,
		Category: contractx.IntentPolicyQuestion,
		Urgency:  contractx.LevelLow,
		SLARisk:  contractx.LevelLow,
	}, nil
}

type fakeReasoner struct {
	mu    sync.Mutex
	err   error
	calls int
	reqs  []contractx.ReasonRequest
}

func (f *fakeReasoner) Reason(_ context.Context, req contractx.ReasonRequest) (contractx.Reasoning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return contractx.Reasoning{}, f.err
	}
	return contractx.Reasoning{Text: "eligibility depends on admission and co-applicant income"}, nil
}

type fakeSynthesizer struct {
	text string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req contractx.SynthesisRequest) (contractx.Draft, error) {
	draft := contractx.Draft{Text: f.text}
	if req.Evidence != nil {
		for _, c := range req.Evidence.Chunks {
			draft.Citations = append(draft.Citations, contractx.Citation{SourceID: c.Chunk.SourceID, Distance: c.Distance})
		}
	}
	return draft, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(context.Context, []string) (string, error) { return "summary", nil }

type fakeRegistry struct {
	intent      contractx.IntentClassifier
	reasoner    *fakeReasoner
	synthesizer contractx.Synthesizer
}

func (f *fakeRegistry) Intent() contractx.IntentClassifier { return f.intent }
func (f *fakeRegistry) Reasoner() contractx.Reasoner { return f.reasoner }
func (f *fakeRegistry) Synthesizer() contractx.Synthesizer { return f.synthesizer }
func (f *fakeRegistry) Summarizer() contractx.Summarizer { return fakeSummarizer{} }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }

type fakeChunkStore struct {
	mu       sync.Mutex
	distance float64
	err      error
	calls    int
}

func (f *fakeChunkStore) Search(context.Context, []float32, int) ([]contractx.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []contractx.ScoredChunk{{
		Chunk:    contractx.ChunkRecord{SourceID: "eligibility.md", Text: "Students admitted abroad are eligible."},
		Distance: f.distance,
	}}, nil
}

// fakeClassifier flags anything mentioning "hurt".
type fakeClassifier struct{}

func (fakeClassifier) Classify(_ context.Context, text string) (contractx.SafetyVerdict, error) {
	if strings.Contains(strings.ToLower(text), "hurt") {
		return contractx.SafetyVerdict{
			Flagged:    true,
			Categories: map[string]bool{"violence": true},
			Scores:     map[string]float64{"violence": 0.97},
			Severity:   0.97,
		}, nil
	}
	return contractx.SafetyVerdict{Severity: 0.02}, nil
}

type fakeMemory struct {
	mu     sync.Mutex
	writes []contractx.MemoryRecord
}

func (f *fakeMemory) Write(ctx context.Context, rec contractx.MemoryRecord) (string, error) {
	ids, err := f.WriteBatch(ctx, []contractx.MemoryRecord{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (f *fakeMemory) WriteBatch(ctx context.Context, recs []contractx.MemoryRecord) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recs...)
	ids := make([]string, len(recs))
	for i := range ids {
		ids[i] = "mem-id"
	}
	return ids, nil
}

func (f *fakeMemory) Read(context.Context, contractx.MemoryFilter) ([]contractx.MemoryRecord, error) {
	return nil, nil
}

func (f *fakeMemory) Writes() []contractx.MemoryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contractx.MemoryRecord(nil), f.writes...)
}

type fakeRuns struct {
	mu    sync.Mutex
	saved []*statex.RunRecord
	err   error
}

func (f *fakeRuns) Save(_ context.Context, rec *statex.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, rec)
	return nil
}

type fakeSink struct {
	mu    sync.Mutex
	calls []contractx.Escalation
}

func (f *fakeSink) Notify(_ context.Context, e contractx.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, e)
	return nil
}

type harness struct {
	engine   *Engine
	store    *fakeChunkStore
	reasoner *fakeReasoner
	memory   *fakeMemory
	runs     *fakeRuns
	sink     *fakeSink
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg      Config
	intent   *fakeIntent
	store    *fakeChunkStore
	reasoner *fakeReasoner
	runs     *fakeRuns
	memory   contractx.MemoryStore
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{
		cfg:      DefaultConfig(),
		intent:   &fakeIntent{},
		store:    &fakeChunkStore{distance: 0.5},
		reasoner: &fakeReasoner{},
		runs:     &fakeRuns{},
	}
	hc.cfg.EventBuffer = 256
	hc.cfg.DetachedTimeout = 5 * time.Second
	for _, opt := range opts {
		opt(&hc)
	}

	retriever, err := retrievalx.NewGate(fakeEmbedder{}, hc.store, retrievalx.DefaultConfig())
	require.NoError(t, err)
	guard, err := guardrailsx.NewGate(fakeClassifier{}, guardrailsx.DefaultConfig())
	require.NoError(t, err)

	h := &harness{
		store:    hc.store,
		reasoner: hc.reasoner,
		memory:   &fakeMemory{},
		runs:     hc.runs,
		sink:     &fakeSink{},
	}
	var memory contractx.MemoryStore = h.memory
	if hc.memory != nil {
		memory = hc.memory
	}
	h.engine, err = New(Deps{
		Models: &fakeRegistry{
			intent:      hc.intent,
			reasoner:    hc.reasoner,
			synthesizer: &fakeSynthesizer{text: "Students admitted to a foreign university are eligible. [Sources: eligibility.md]"},
		},
		Retriever:   retriever,
		Guard:       guard,
		Memory:      memory,
		Domain:      retrievalx.NewDomainMatcher(retrievalx.DefaultConfig().DomainKeywords),
		Runs:        h.runs,
		Escalations: h.sink,
	}, hc.cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.engine.Close(context.Background())
	})
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))
}

func toolNames(out Outcome) []string {
	names := make([]string, 0, len(out.ToolCalls))
	for _, ev := range out.ToolCalls {
		names = append(names, ev.ToolName)
	}
	return names
}

func TestRunGroundedAnswerResponds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.engine.Run(context.Background(), "What is the loan eligibility for studying abroad?", "session-a")
	require.NoError(t, err)

	assert.Equal(t, OutcomeResponded, out.Kind)
	assert.Contains(t, out.Text, "eligible")
	assert.Equal(t, contractx.RetrievalConfident, out.RetrievalClass)
	assert.GreaterOrEqual(t, out.Confidence, guardrailsx.DefaultConfig().ConfidenceThreshold)
	assert.False(t, out.Degraded)
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "eligibility.md", out.Citations[0].SourceID)
	assert.NotEmpty(t, out.RunID)

	names := toolNames(out)
	require.Len(t, names, 4)
	assert.Equal(t, guardrailsx.ToolClassify, names[0])
	assert.ElementsMatch(t, []string{retrievalx.ToolSearch, nodex.ToolMemoryRead}, names[1:3])
	assert.Equal(t, guardrailsx.ToolClassify, names[3])

	h.drain(t)
	writes := h.memory.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, "user", writes[0].Metadata["role"])
	assert.Equal(t, "assistant", writes[1].Metadata["role"])
	assert.Equal(t, contractx.MemoryEpisodic, writes[2].Type)

	require.Len(t, h.runs.saved, 1)
	assert.Equal(t, "RESPONDED", h.runs.saved[0].Outcome)
	assert.Empty(t, h.sink.calls)
}

func TestRunReadsEveryMemoryTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := memoryx.Open(ctx, memoryx.Config{
		DSN:              filepath.Join(t.TempDir(), "memory.db"),
		WorkingTurnLimit: 20,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Write(ctx, contractx.MemoryRecord{
		Type:    contractx.MemorySemantic,
		Content: "Loans above 20 lakh need a co-applicant.",
	})
	require.NoError(t, err)

	h := newHarness(t, func(hc *harnessConfig) {
		hc.memory = store
	})

	_, err = h.engine.Run(ctx, "first loan question", "session-m")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, err := store.Read(ctx, contractx.MemoryFilter{SessionID: "session-m"})
		return err == nil && len(recs) == 3
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.engine.Run(ctx, "second loan question", "session-m")
	require.NoError(t, err)

	h.reasoner.mu.Lock()
	defer h.reasoner.mu.Unlock()
	require.Len(t, h.reasoner.reqs, 2)
	req := h.reasoner.reqs[1]
	require.True(t, req.MemoryAvailable)
	require.Len(t, req.Memory, 4)

	assert.Equal(t, contractx.MemoryWorking, req.Memory[0].Type)
	assert.Equal(t, "user", req.Memory[0].Metadata["role"])
	assert.Equal(t, "first loan question", req.Memory[0].Content)
	assert.Equal(t, "assistant", req.Memory[1].Metadata["role"])
	assert.Equal(t, contractx.MemoryEpisodic, req.Memory[2].Type)
	assert.Contains(t, req.Memory[2].Content, "Query: first loan question")
	assert.Equal(t, contractx.MemorySemantic, req.Memory[3].Type)
	assert.Equal(t, "Loans above 20 lakh need a co-applicant.", req.Memory[3].Content)
}

func TestRunUnsafeInputEscalatesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.engine.Run(context.Background(), "how do I hurt someone", "session-c")
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalated, out.Kind)
	assert.Equal(t, nodex.SafeDeclineText, out.Text)
	assert.Equal(t, contractx.StageGuardInput, out.EscalatedAt)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Unsafe)

	assert.Equal(t, []string{guardrailsx.ToolClassify}, toolNames(out))
	assert.Equal(t, 0, h.reasoner.calls)
	assert.Equal(t, 0, h.store.calls)

	h.drain(t)
	assert.Empty(t, h.memory.Writes())
	require.Len(t, h.sink.calls, 1)
	assert.Equal(t, contractx.StageGuardInput, h.sink.calls[0].Stage)
	require.Len(t, h.runs.saved, 1)
	assert.Equal(t, "ESCALATED", h.runs.saved[0].Outcome)
}

func TestRunWeakEvidenceEscalatesWithNoAnswer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(hc *harnessConfig) {
		hc.store = &fakeChunkStore{distance: 1.9}
	})
	out, err := h.engine.Run(context.Background(), "what is the weather on mars", "session-b")
	require.NoError(t, err)

	assert.Equal(t, OutcomeEscalated, out.Kind)
	assert.Equal(t, nodex.NoAnswerText, out.Text)
	assert.Equal(t, contractx.RetrievalNone, out.RetrievalClass)
	assert.Less(t, out.Confidence, guardrailsx.DefaultConfig().ConfidenceThreshold)
	assert.Equal(t, contractx.StageGuardOutput, out.EscalatedAt)
	assert.Equal(t, 2, h.store.calls)

	h.drain(t)
	assert.Len(t, h.memory.Writes(), 3)
	require.Len(t, h.sink.calls, 1)
	assert.Equal(t, contractx.StageGuardOutput, h.sink.calls[0].Stage)
}

func TestRunRetrievalFailureDegrades(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(hc *harnessConfig) {
		hc.store = &fakeChunkStore{err: errors.New("index offline")}
	})
	out, err := h.engine.Run(context.Background(), "loan repayment schedule", "session-d")
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.Equal(t, []contractx.Stage{contractx.StageRetrieve}, out.DegradedStages)
	assert.Equal(t, OutcomeEscalated, out.Kind)
	assert.Equal(t, nodex.NoAnswerText, out.Text)

	require.Len(t, h.reasoner.reqs, 1)
	assert.Nil(t, h.reasoner.reqs[0].Evidence)
	assert.NotNil(t, h.reasoner.reqs[0].Intent)
	assert.True(t, h.reasoner.reqs[0].MemoryAvailable)
}

func TestRunBranchTimeoutDegrades(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(hc *harnessConfig) {
		hc.cfg.BranchTimeout = 50 * time.Millisecond
		hc.intent = &fakeIntent{delay: 2 * time.Second}
	})
	started := time.Now()
	out, err := h.engine.Run(context.Background(), "student loan eligibility", "session-e")
	require.NoError(t, err)

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, OutcomeResponded, out.Kind)
	assert.Equal(t, []contractx.Stage{contractx.StageIntent}, out.DegradedStages)
	require.Len(t, h.reasoner.reqs, 1)
	assert.Nil(t, h.reasoner.reqs[0].Intent)
}

func TestRunReasonFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(hc *harnessConfig) {
		hc.reasoner = &fakeReasoner{err: errors.New("upstream 500: secret stack detail")}
	})
	out, err := h.engine.Run(context.Background(), "loan eligibility", "session-f", WithRunID("run-fatal"))
	require.Error(t, err)

	var fatal *contractx.FatalStageError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, contractx.StageReason, fatal.Stage)

	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, contractx.StageReason, out.FailedStage)
	assert.Equal(t, "run-fatal", out.RunID)
	assert.Contains(t, out.Cause, "run-fatal")
	assert.NotContains(t, out.Cause, "secret")

	h.drain(t)
	assert.Empty(t, h.memory.Writes())
	require.Len(t, h.runs.saved, 1)
	assert.Equal(t, "reason", h.runs.saved[0].FailedStage)
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.engine.Run(context.Background(), "   ", "session-g")
	require.ErrorIs(t, err, ErrInvalidQuery)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, contractx.StageIngest, out.FailedStage)
	assert.Empty(t, out.ToolCalls)
}

func TestRunEventsInStageOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	events, cancel := h.engine.Subscribe("run-events")
	defer cancel()

	_, err := h.engine.Run(context.Background(), "loan eligibility abroad", "session-h", WithRunID("run-events"))
	require.NoError(t, err)

	var (
		all     []Event
		started []contractx.Stage
	)
	for ev := range events {
		all = append(all, ev)
		if ev.Type != EventStageStarted {
			continue
		}
		switch ev.Stage {
		case contractx.StageIntent, contractx.StageRetrieve, contractx.StageMemoryRead:
			continue
		}
		started = append(started, ev.Stage)
	}

	assert.Equal(t, []contractx.Stage{
		contractx.StageIngest,
		contractx.StageGuardInput,
		contractx.StagePlan,
		contractx.StageFanout,
		contractx.StageReason,
		contractx.StageSynthesize,
		contractx.StageGuardOutput,
		contractx.StageFinalize,
	}, started)

	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, EventRunFinished, last.Type)
	assert.Equal(t, OutcomeResponded, last.Outcome)

	var tools int
	for _, ev := range all {
		if ev.Type == EventToolCall {
			tools++
			require.NotNil(t, ev.Tool)
		}
	}
	assert.Equal(t, 4, tools)
	assert.Equal(t, 0, h.engine.events.size())
}

func TestRunDetachedWritesSurviveCallerCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.engine.Run(ctx, "loan eligibility", "session-i")
	cancel()
	require.NoError(t, err)

	h.drain(t)
	assert.Len(t, h.memory.Writes(), 3)
}

func TestDetachedErrorsAreReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(hc *harnessConfig) {
		hc.runs = &fakeRuns{err: errors.New("redis unavailable")}
	})
	_, err := h.engine.Run(context.Background(), "loan eligibility", "session-j")
	require.NoError(t, err)

	h.drain(t)
	var got []error
	for err := range h.engine.Errors() {
		got = append(got, err)
	}
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Error(), taskRunRecord)
}

func TestRunAfterCloseIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.drain(t)

	_, err := h.engine.Run(context.Background(), "hello", "session-k")
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BranchTimeout = time.Minute
	require.ErrorIs(t, cfg.Validate(), contractx.ErrValidation)

	cfg = DefaultConfig()
	cfg.MaxQueryRunes = 0
	require.ErrorIs(t, cfg.Validate(), contractx.ErrValidation)

	cfg = DefaultConfig()
	cfg.MemoryTypes = []string{"working", "scratch"}
	require.ErrorIs(t, cfg.Validate(), contractx.ErrValidation)

	cfg = DefaultConfig()
	cfg.MemoryTypes = []string{"semantic", " working", "semantic"}
	cfg.EpisodicMemoryLimit = 2
	plan := cfg.planConfig()
	assert.Equal(t, []contractx.MemoryType{contractx.MemorySemantic, contractx.MemoryWorking}, plan.MemoryTypes)
	assert.Equal(t, 2, plan.MemoryLimits[contractx.MemoryEpisodic])
	assert.Equal(t, 20, plan.MemoryLimits[contractx.MemoryWorking])
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := newBroker(1)
	ch, cancel := b.subscribe("r")
	b.publish(Event{RunID: "r", Type: EventStageStarted})
	b.publish(Event{RunID: "r", Type: EventStageCompleted})
	b.publish(Event{RunID: "other", Type: EventStageStarted})

	ev := <-ch
	assert.Equal(t, EventStageStarted, ev.Type)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.size())
}

func TestSubscribeAfterRunFinishedIsClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.Run(context.Background(), "loan eligibility", "session-n", WithRunID("run-late"))
	require.NoError(t, err)

	events, cancel := h.engine.Subscribe("run-late")
	defer cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("late subscription was not closed")
	}
	assert.Equal(t, 0, h.engine.events.size())
}

func TestBrokerForgetsOldestFinishedRuns(t *testing.T) {
	t.Parallel()

	b := newBroker(1)
	for i := 0; i <= finishedRetention; i++ {
		b.finish(fmt.Sprintf("run-%d", i))
	}
	assert.Len(t, b.finished, finishedRetention)

	ch, cancel := b.subscribe("run-0")
	b.publish(Event{RunID: "run-0", Type: EventStageStarted})
	ev, open := <-ch
	require.True(t, open, "evicted run ids stream again")
	assert.Equal(t, EventStageStarted, ev.Type)
	cancel()

	b.begin("run-1")
	ch, cancel = b.subscribe("run-1")
	defer cancel()
	assert.Equal(t, 1, b.size())
	b.finish("run-1")
	_, open = <-ch
	assert.False(t, open)
}

package specialist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	promptx "github.com/tanpawarit/support-copilot/agent/prompt"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
)

type fakeChatModel struct {
	responses []*schema.Message
	err       error
	idx       int
	inputs    [][]*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

type fakeOracle struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	users     []string
	systems   []string
}

func (f *fakeOracle) Complete(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.systems = append(f.systems, system)
	f.users = append(f.users, user)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	return f.responses[i], nil
}

func newTestRegistry(t *testing.T, o *fakeOracle) contractx.Registry {
	t.Helper()
	reg, err := NewRegistryWithOracles(Oracles{Intent: o, Reasoning: o, Synthesis: o, Summary: o}, promptx.PromptSet{})
	if err != nil {
		t.Fatalf("NewRegistryWithOracles() error = %v", err)
	}
	return reg
}

func TestChatOracleComplete(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{responses: []*schema.Message{{Role: schema.Assistant, Content: "  hello there  "}}}
	oracle, err := NewChatOracle(context.Background(), fake, "test")
	if err != nil {
		t.Fatalf("NewChatOracle() error = %v", err)
	}

	out, err := oracle.Complete(context.Background(), "be brief {not a var}", "say hi")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "hello there" {
		t.Fatalf("unexpected completion: %q", out)
	}
	if len(fake.inputs) != 1 || len(fake.inputs[0]) != 2 {
		t.Fatalf("unexpected model input: %#v", fake.inputs)
	}
	if fake.inputs[0][0].Content != "be brief {not a var}" {
		t.Fatalf("system prompt not passed through: %q", fake.inputs[0][0].Content)
	}
	if fake.inputs[0][1].Content != "say hi" {
		t.Fatalf("user prompt not passed through: %q", fake.inputs[0][1].Content)
	}
}

func TestChatOracleEmptyCompletionIsInvalid(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{responses: []*schema.Message{{Role: schema.Assistant, Content: "   "}}}
	oracle, err := NewChatOracle(context.Background(), fake, "test")
	if err != nil {
		t.Fatalf("NewChatOracle() error = %v", err)
	}

	_, err = oracle.Complete(context.Background(), "sys", "user")
	if !errors.Is(err, contractx.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestChatOracleClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{err: errors.New("status 429: rate limit exceeded")}
	oracle, err := NewChatOracle(context.Background(), fake, "test")
	if err != nil {
		t.Fatalf("NewChatOracle() error = %v", err)
	}

	_, err = oracle.Complete(context.Background(), "sys", "user")
	if !errors.Is(err, contractx.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestIntentClassifySuccess(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{responses: []string{
		"```json\n{\"category\":\"policy_question\",\"urgency\":\"HIGH\",\"sla_risk\":\"medium\",\"entities\":[\"student loan\", \" \"]}\n```",
	}}
	reg := newTestRegistry(t, o)

	rec := toolx.NewRecorder(nil)
	ctx := toolx.WithRecorder(context.Background(), rec)

	out, err := reg.Intent().Classify(ctx, "am I eligible for a student loan abroad?")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if out.Category != contractx.IntentPolicyQuestion {
		t.Fatalf("unexpected category: %s", out.Category)
	}
	if out.Urgency != contractx.LevelHigh || out.SLARisk != contractx.LevelMedium {
		t.Fatalf("unexpected levels: %s/%s", out.Urgency, out.SLARisk)
	}
	if out.Version != contractx.IntentSchemaVersion {
		t.Fatalf("unexpected version: %s", out.Version)
	}
	if len(out.Entities) != 1 || out.Entities[0] != "student loan" {
		t.Fatalf("unexpected entities: %#v", out.Entities)
	}
	if out.Raw != "" {
		t.Fatalf("raw must be empty for known categories: %q", out.Raw)
	}

	events := rec.Events()
	if len(events) != 1 || events[0].ToolName != ToolIntent {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestIntentClassifyUnknownCategory(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{responses: []string{`{"intent":"Travel_Booking","urgency":"urgent"}`}}
	reg := newTestRegistry(t, o)

	out, err := reg.Intent().Classify(context.Background(), "book me a flight")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if out.Category != contractx.IntentOther {
		t.Fatalf("unknown label must map to other, got %s", out.Category)
	}
	if out.Raw != "travel_booking" {
		t.Fatalf("raw label not kept: %q", out.Raw)
	}
	if out.Urgency != contractx.LevelLow {
		t.Fatalf("invalid urgency must default to low, got %s", out.Urgency)
	}
}

func TestIntentClassifySchemaFailure(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{responses: []string{"this is not json"}}
	reg := newTestRegistry(t, o)

	_, err := reg.Intent().Classify(context.Background(), "hello")
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
	if o.calls != 1 {
		t.Fatalf("schema failures must not be retried, calls=%d", o.calls)
	}
}

func TestCompleteRetriesTransientOnce(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{
		errs:      []error{contractx.ErrOracleTimeout},
		responses: []string{"", "root cause: missing document"},
	}
	reg := newTestRegistry(t, o)

	out, err := reg.Reasoner().Reason(context.Background(), contractx.ReasonRequest{Query: "why was my loan delayed"})
	if err != nil {
		t.Fatalf("Reason() error = %v", err)
	}
	if out.Text != "root cause: missing document" {
		t.Fatalf("unexpected reasoning: %q", out.Text)
	}
	if o.calls != 2 {
		t.Fatalf("expected one retry, calls=%d", o.calls)
	}
}

func TestCompleteDoesNotRetryInvalidResponse(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{errs: []error{contractx.ErrInvalidResponse}, responses: []string{"unused"}}
	reg := newTestRegistry(t, o)

	_, err := reg.Reasoner().Reason(context.Background(), contractx.ReasonRequest{Query: "q"})
	if !errors.Is(err, contractx.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if o.calls != 1 {
		t.Fatalf("invalid responses must not be retried, calls=%d", o.calls)
	}
}

func TestReasoningInputMarksUnavailableBranches(t *testing.T) {
	t.Parallel()

	in := buildReasoningInput(contractx.ReasonRequest{Query: "q"})
	for _, want := range []string{"Intent: unavailable", "Retrieval unavailable.", "Memory unavailable."} {
		if !strings.Contains(in, want) {
			t.Fatalf("reasoning input missing %q:\n%s", want, in)
		}
	}

	in = buildReasoningInput(contractx.ReasonRequest{
		Query:  "q",
		Intent: &contractx.IntentResult{Category: contractx.IntentBilling, Urgency: contractx.LevelLow, SLARisk: contractx.LevelLow},
		Evidence: &contractx.RetrievalOutcome{
			Class: contractx.RetrievalConfident,
			Chunks: []contractx.ScoredChunk{{
				Chunk:    contractx.ChunkRecord{SourceID: "policy.md", ChunkIndex: 2, Text: "Repayment starts after the grace period."},
				Distance: 0.4,
			}},
		},
		Memory: []contractx.MemoryRecord{{
			Type:     contractx.MemoryWorking,
			Content:  "earlier question",
			Metadata: map[string]any{"role": "user"},
		}},
		MemoryAvailable: true,
	})
	for _, want := range []string{"category=billing", "[policy.md#2]: Repayment", "user: earlier question"} {
		if !strings.Contains(in, want) {
			t.Fatalf("reasoning input missing %q:\n%s", want, in)
		}
	}
}

func TestReasoningInputRendersMemoryTiers(t *testing.T) {
	t.Parallel()

	in := buildReasoningInput(contractx.ReasonRequest{
		Query: "q",
		Memory: []contractx.MemoryRecord{
			{Type: contractx.MemoryWorking, Content: "earlier turns", Metadata: map[string]any{contractx.MetadataIsSummary: true}},
			{Type: contractx.MemoryWorking, Content: "first loan question", Metadata: map[string]any{"role": "user"}},
			{Type: contractx.MemoryWorking, Content: "answer one", Metadata: map[string]any{"role": "assistant"}},
			{Type: contractx.MemoryEpisodic, Content: "Query: first loan question"},
			{Type: contractx.MemorySemantic, Content: "loans need an admission letter"},
		},
		MemoryAvailable: true,
	})

	order := []string{
		"Working memory:",
		"summary: earlier turns",
		"user: first loan question",
		"assistant: answer one",
		"Episodic memory:",
		"- Query: first loan question",
		"Semantic memory:",
		"- loans need an admission letter",
		"Provide reasoning",
	}
	last := -1
	for _, want := range order {
		i := strings.Index(in, want)
		if i < 0 {
			t.Fatalf("reasoning input missing %q:\n%s", want, in)
		}
		if i <= last {
			t.Fatalf("%q is out of order:\n%s", want, in)
		}
		last = i
	}

	in = buildReasoningInput(contractx.ReasonRequest{Query: "q", MemoryAvailable: true})
	if !strings.Contains(in, "No working memory.") || strings.Contains(in, "Episodic memory:") {
		t.Fatalf("empty memory rendered unexpectedly:\n%s", in)
	}
}

func TestSynthesizeBuildsCitations(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{responses: []string{"You qualify. [Sources: Based on: a.md, b.md]"}}
	reg := newTestRegistry(t, o)

	evidence := &contractx.RetrievalOutcome{
		Class: contractx.RetrievalConfident,
		Chunks: []contractx.ScoredChunk{
			{Chunk: contractx.ChunkRecord{SourceID: "a.md", ChunkIndex: 0, Text: "a"}, Distance: 0.3},
			{Chunk: contractx.ChunkRecord{SourceID: "a.md", ChunkIndex: 0, Text: "a"}, Distance: 0.3},
			{Chunk: contractx.ChunkRecord{SourceID: "b.md", ChunkIndex: 4, Text: "b"}, Distance: 0.7},
		},
	}
	draft, err := reg.Synthesizer().Synthesize(context.Background(), contractx.SynthesisRequest{
		Query:     "am I eligible",
		Reasoning: contractx.Reasoning{Text: "notes"},
		Evidence:  evidence,
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(draft.Citations) != 2 {
		t.Fatalf("unexpected citations: %#v", draft.Citations)
	}
	if draft.Citations[0].SourceID != "a.md" || draft.Citations[1].ChunkIndex != 4 {
		t.Fatalf("unexpected citation order: %#v", draft.Citations)
	}
	if !strings.Contains(o.users[0], "Based on: a.md, b.md") {
		t.Fatalf("sources line missing from prompt:\n%s", o.users[0])
	}
}

func TestSynthesizeWithoutEvidenceHasNoCitations(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{responses: []string{"I don't know."}}
	reg := newTestRegistry(t, o)

	draft, err := reg.Synthesizer().Synthesize(context.Background(), contractx.SynthesisRequest{
		Query:    "q",
		Evidence: &contractx.RetrievalOutcome{Class: contractx.RetrievalNone},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(draft.Citations) != 0 {
		t.Fatalf("expected no citations, got %#v", draft.Citations)
	}
	if !strings.Contains(o.users[0], "No retrieved context.") || !strings.Contains(o.users[0], "No sources.") {
		t.Fatalf("unexpected prompt:\n%s", o.users[0])
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	o := &fakeOracle{responses: []string{"customer asked twice about fees"}}
	reg := newTestRegistry(t, o)

	out, err := reg.Summarizer().Summarize(context.Background(), []string{"user: turn 1", "assistant: turn 2"})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if out != "customer asked twice about fees" {
		t.Fatalf("unexpected summary: %q", out)
	}
	if !strings.Contains(o.users[0], "user: turn 1\nassistant: turn 2") {
		t.Fatalf("turns not passed in order:\n%s", o.users[0])
	}
	if o.systems[0] != promptx.LoadPromptSet().Summary {
		t.Fatalf("summary prompt not used")
	}

	if _, err := reg.Summarizer().Summarize(context.Background(), nil); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNewRegistryWithOraclesRequiresOracles(t *testing.T) {
	t.Parallel()

	_, err := NewRegistryWithOracles(Oracles{}, promptx.PromptSet{})
	if err == nil {
		t.Fatalf("expected error for missing oracles")
	}
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`{"a":1}`:                 `{"a":1}`,
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"```{\"a\":1}```":         `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

package contract

import "context"

// Oracle is the text-completion capability behind every reasoning stage.
type Oracle interface {
	Complete(ctx context.Context, systemContext, userContext string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore searches the vector index. Distances are only ever compared to
// configured thresholds, never interpreted.
type ChunkStore interface {
	Search(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)
}

type SafetyClassifier interface {
	Classify(ctx context.Context, text string) (SafetyVerdict, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, turns []string) (string, error)
}

type IntentClassifier interface {
	Classify(ctx context.Context, query string) (IntentResult, error)
}

type Reasoner interface {
	Reason(ctx context.Context, req ReasonRequest) (Reasoning, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (Draft, error)
}

type Registry interface {
	Intent() IntentClassifier
	Reasoner() Reasoner
	Synthesizer() Synthesizer
	Summarizer() Summarizer
}

type MemoryStore interface {
	Write(ctx context.Context, rec MemoryRecord) (string, error)
	// WriteBatch commits recs all-or-nothing and returns ids in input order.
	WriteBatch(ctx context.Context, recs []MemoryRecord) ([]string, error)
	Read(ctx context.Context, filter MemoryFilter) ([]MemoryRecord, error)
}

// EscalationSink receives escalated runs for human follow-up.
type EscalationSink interface {
	Notify(ctx context.Context, e Escalation) error
}

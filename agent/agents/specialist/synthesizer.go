package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const ToolSynthesis = "oracle.synthesis"

const (
	synthesisContextLimit = 3
	synthesisContextRunes = 400
	synthesisSourceLimit  = 5
)

type synthesizer struct {
	oracle contractx.Oracle
	system string
}

func newSynthesizer(oracle contractx.Oracle, system string) (*synthesizer, error) {
	if oracle == nil {
		return nil, errors.New("synthesis oracle is required")
	}
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: synthesis", contractx.ErrPromptMissing)
	}
	return &synthesizer{oracle: oracle, system: system}, nil
}

func (s *synthesizer) Synthesize(ctx context.Context, req contractx.SynthesisRequest) (contractx.Draft, error) {
	if strings.TrimSpace(req.Query) == "" {
		return contractx.Draft{}, fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}

	citations := citationsFrom(req.Evidence)
	text, err := completeWithRetry(ctx, s.oracle, ToolSynthesis, s.system, buildSynthesisInput(req, citations))
	if err != nil {
		return contractx.Draft{}, err
	}
	return contractx.Draft{Text: text, Citations: citations}, nil
}

// citationsFrom lists the accepted chunks, best first, one per source chunk.
func citationsFrom(ev *contractx.RetrievalOutcome) []contractx.Citation {
	if ev == nil || !ev.Class.Usable() {
		return nil
	}
	seen := make(map[string]struct{}, len(ev.Chunks))
	out := make([]contractx.Citation, 0, len(ev.Chunks))
	for _, c := range ev.Chunks {
		key := fmt.Sprintf("%s#%d", c.Chunk.SourceID, c.Chunk.ChunkIndex)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, contractx.Citation{
			SourceID:   c.Chunk.SourceID,
			ChunkIndex: c.Chunk.ChunkIndex,
			Distance:   c.Distance,
		})
		if len(out) == synthesisSourceLimit {
			break
		}
	}
	return out
}

func buildSynthesisInput(req contractx.SynthesisRequest, citations []contractx.Citation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nReasoning:\n%s\n\nRetrieved context:\n", req.Query, req.Reasoning.Text)

	if req.Evidence == nil || len(req.Evidence.Chunks) == 0 || !req.Evidence.Class.Usable() {
		b.WriteString("No retrieved context.\n")
	} else {
		for i, c := range req.Evidence.Chunks {
			if i == synthesisContextLimit {
				break
			}
			fmt.Fprintf(&b, "From %s:\n%s\n\n", c.Chunk.SourceID, truncate(c.Chunk.Text, synthesisContextRunes))
		}
	}

	sources := "No sources."
	if len(citations) > 0 {
		ids := make([]string, 0, len(citations))
		for _, c := range citations {
			ids = append(ids, c.SourceID)
		}
		sources = "Based on: " + strings.Join(ids, ", ")
	}
	fmt.Fprintf(&b, "\nProvide a helpful response that references the above. End with: [Sources: %s]", sources)
	return b.String()
}

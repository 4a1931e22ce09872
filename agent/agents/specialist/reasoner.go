package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const ToolReasoning = "oracle.reasoning"

const (
	reasoningChunkLimit   = 5
	reasoningChunkRunes   = 300
	reasoningWorkingLimit = 20
	reasoningMemoryRunes  = 100
	reasoningRecallLimit  = 5
	reasoningRecallRunes  = 200
)

type reasoner struct {
	oracle contractx.Oracle
	system string
}

func newReasoner(oracle contractx.Oracle, system string) (*reasoner, error) {
	if oracle == nil {
		return nil, errors.New("reasoning oracle is required")
	}
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: reasoning", contractx.ErrPromptMissing)
	}
	return &reasoner{oracle: oracle, system: system}, nil
}

func (r *reasoner) Reason(ctx context.Context, req contractx.ReasonRequest) (contractx.Reasoning, error) {
	if strings.TrimSpace(req.Query) == "" {
		return contractx.Reasoning{}, fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}

	text, err := completeWithRetry(ctx, r.oracle, ToolReasoning, r.system, buildReasoningInput(req))
	if err != nil {
		return contractx.Reasoning{}, err
	}
	return contractx.Reasoning{Text: text}, nil
}

func buildReasoningInput(req contractx.ReasonRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", req.Query)

	if req.Intent != nil {
		fmt.Fprintf(&b, "Intent: category=%s urgency=%s sla_risk=%s", req.Intent.Category, req.Intent.Urgency, req.Intent.SLARisk)
		if len(req.Intent.Entities) > 0 {
			fmt.Fprintf(&b, " entities=%s", strings.Join(req.Intent.Entities, ", "))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Intent: unavailable\n")
	}

	b.WriteString("\nRetrieved context:\n")
	switch {
	case req.Evidence == nil:
		b.WriteString("Retrieval unavailable.\n")
	case len(req.Evidence.Chunks) == 0:
		b.WriteString("No retrieved context.\n")
	default:
		fmt.Fprintf(&b, "(evidence strength: %s)\n", req.Evidence.Class)
		for i, c := range req.Evidence.Chunks {
			if i == reasoningChunkLimit {
				break
			}
			fmt.Fprintf(&b, "[%s#%d]: %s\n", c.Chunk.SourceID, c.Chunk.ChunkIndex, truncate(c.Chunk.Text, reasoningChunkRunes))
		}
	}

	var working, episodic, semantic []contractx.MemoryRecord
	for _, m := range req.Memory {
		switch m.Type {
		case contractx.MemoryEpisodic:
			episodic = append(episodic, m)
		case contractx.MemorySemantic:
			semantic = append(semantic, m)
		default:
			working = append(working, m)
		}
	}

	b.WriteString("\nWorking memory:\n")
	switch {
	case !req.MemoryAvailable:
		b.WriteString("Memory unavailable.\n")
	case len(working) == 0:
		b.WriteString("No working memory.\n")
	default:
		// keep the most recent turns; the read arrives oldest first
		if len(working) > reasoningWorkingLimit {
			working = working[len(working)-reasoningWorkingLimit:]
		}
		for _, m := range working {
			fmt.Fprintf(&b, "%s: %s\n", memoryRole(m), truncate(m.Content, reasoningMemoryRunes))
		}
	}

	if req.MemoryAvailable {
		writeRecall(&b, "Episodic memory", episodic)
		writeRecall(&b, "Semantic memory", semantic)
	}

	b.WriteString("\nProvide reasoning and root cause analysis:")
	return b.String()
}

func writeRecall(b *strings.Builder, title string, recs []contractx.MemoryRecord) {
	if len(recs) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for i, m := range recs {
		if i == reasoningRecallLimit {
			break
		}
		fmt.Fprintf(b, "- %s\n", truncate(m.Content, reasoningRecallRunes))
	}
}

func memoryRole(m contractx.MemoryRecord) string {
	if m.IsSummary() {
		return "summary"
	}
	if role, ok := m.Metadata["role"].(string); ok && role != "" {
		return role
	}
	return string(m.Type)
}

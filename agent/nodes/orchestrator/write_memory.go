package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"

	episodicReasoningRunes = 500
)

// WriteMemory records the exchange in one batch: the user turn and the
// assistant turn in working memory, and the reasoning as an episodic record.
// Runs escalated at the input gate and failed runs write nothing.
func WriteMemory(ctx context.Context, in *RunState, out Outcome, memory contractx.MemoryStore) error {
	if memory == nil || !ShouldWriteMemory(out) {
		return nil
	}

	meta := func(role string) map[string]any {
		return map[string]any{"role": role, "run_id": in.RunID}
	}

	assistant := meta(roleAssistant)
	assistant["outcome"] = string(out.Kind)
	batch := []contractx.MemoryRecord{
		{
			Type:      contractx.MemoryWorking,
			SessionID: in.SessionID,
			Content:   in.Query,
			Metadata:  meta(roleUser),
		},
		{
			Type:      contractx.MemoryWorking,
			SessionID: in.SessionID,
			Content:   out.Text,
			Metadata:  assistant,
		},
	}

	if reasoning, ok := in.Reasoning.Get(); ok && reasoning.Text != "" {
		episodic := meta("reasoning")
		episodic["agent"] = "reasoning"
		batch = append(batch, contractx.MemoryRecord{
			Type:      contractx.MemoryEpisodic,
			SessionID: in.SessionID,
			Content:   fmt.Sprintf("Query: %s\nReasoning: %s", in.Query, truncateRunes(reasoning.Text, episodicReasoningRunes)),
			Metadata:  episodic,
		})
	}

	if _, err := memory.WriteBatch(ctx, batch); err != nil {
		return fmt.Errorf("write exchange: %w", err)
	}
	return nil
}

func ShouldWriteMemory(out Outcome) bool {
	switch out.Kind {
	case OutcomeResponded:
		return true
	case OutcomeEscalated:
		return out.EscalatedAt != contractx.StageGuardInput
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

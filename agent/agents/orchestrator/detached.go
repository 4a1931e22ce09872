package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
	nodex "github.com/tanpawarit/support-copilot/agent/nodes/orchestrator"
)

const (
	taskMemoryWrite = "memory_write"
	taskRunRecord   = "run_record"
	taskEscalation  = "escalation"
)

// afterRun starts the work that must not delay or fail the response.
func (e *Engine) afterRun(parent context.Context, st *nodex.RunState, out Outcome) {
	if nodex.ShouldWriteMemory(out) {
		e.detach(parent, taskMemoryWrite, st.RunID, func(ctx context.Context) error {
			return nodex.WriteMemory(ctx, st, out, e.deps.Memory)
		})
	}

	if e.deps.Runs != nil {
		rec := nodex.RunRecordFrom(st, out, e.now().UTC())
		e.detach(parent, taskRunRecord, st.RunID, func(ctx context.Context) error {
			return e.deps.Runs.Save(ctx, rec)
		})
	}

	if e.deps.Escalations != nil && out.Kind == OutcomeEscalated && out.Decision != nil {
		esc := contractx.Escalation{
			RunID:     st.RunID,
			SessionID: st.SessionID,
			Query:     st.Query,
			Stage:     out.EscalatedAt,
			Reason:    out.Reason,
			Decision:  *out.Decision,
			At:        e.now().UTC(),
		}
		e.detach(parent, taskEscalation, st.RunID, func(ctx context.Context) error {
			return e.deps.Escalations.Notify(ctx, esc)
		})
	}
}

// detach runs fn outside the caller's cancellation, bounded by the detached
// timeout. Tasks submitted after Close are dropped.
func (e *Engine) detach(parent context.Context, task string, runID string, fn func(ctx context.Context) error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		log.Warn().Str("task", task).Str("run_id", runID).Msg("detached_task_dropped")
		return
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.DetachedTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			metricsx.DetachedTaskErrors.WithLabelValues(task).Inc()
			log.Error().Err(err).Str("task", task).Str("run_id", runID).Msg("detached_task_failed")

			select {
			case e.errs <- fmt.Errorf("%s for run %s: %w", task, runID, err):
			default:
			}
		}
	}()
}

package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
	"golang.org/x/sync/errgroup"
)

var ErrBranchTimeout = errors.New("branch timed out")

const ToolMemoryRead = "memory.read"

// StageObserver receives lifecycle callbacks for the branches run inside the
// fan-out node.
type StageObserver interface {
	StageStarted(ctx context.Context, runID string, stage contractx.Stage)
	StageFinished(ctx context.Context, runID string, stage contractx.Stage, elapsed time.Duration, err error)
}

type FanoutDeps struct {
	Intent        contractx.IntentClassifier
	Retriever     Retriever
	Memory        contractx.MemoryStore
	BranchTimeout time.Duration
	Observer      StageObserver
}

type branchResult[T any] struct {
	value T
	err   error
}

// Fanout runs intent, retrieval and memory read concurrently. Each branch
// reports into its own result; the slots are written here after the barrier,
// so every branch slot holds a value or the unavailable sentinel on return.
func Fanout(ctx context.Context, in *RunState, deps FanoutDeps) (*RunState, error) {
	plan, ok := in.Plan.Get()
	if !ok {
		return nil, fmt.Errorf("%w: plan missing", contractx.ErrValidation)
	}

	var (
		g         errgroup.Group
		intent    branchResult[contractx.IntentResult]
		retrieval branchResult[contractx.RetrievalOutcome]
		memory    branchResult[[]contractx.MemoryRecord]
	)

	g.Go(func() error {
		intent = runBranch(ctx, in.RunID, contractx.StageIntent, deps,
			func(ctx context.Context) (contractx.IntentResult, error) {
				if deps.Intent == nil {
					return contractx.IntentResult{}, errors.New("intent classifier not configured")
				}
				return deps.Intent.Classify(ctx, in.NormalizedQuery)
			})
		return nil
	})
	g.Go(func() error {
		retrieval = runBranch(ctx, in.RunID, contractx.StageRetrieve, deps,
			func(ctx context.Context) (contractx.RetrievalOutcome, error) {
				if deps.Retriever == nil {
					return contractx.RetrievalOutcome{}, errors.New("retriever not configured")
				}
				return deps.Retriever.Retrieve(ctx, in.NormalizedQuery, plan.K, plan.DomainHint)
			})
		return nil
	})
	g.Go(func() error {
		memory = runBranch(ctx, in.RunID, contractx.StageMemoryRead, deps,
			func(ctx context.Context) ([]contractx.MemoryRecord, error) {
				return readMemory(ctx, deps.Memory, in.SessionID, plan)
			})
		return nil
	})
	_ = g.Wait()

	if err := settle(in, &in.Intent, contractx.StageIntent, intent); err != nil {
		return nil, err
	}
	if err := settle(in, &in.Retrieval, contractx.StageRetrieve, retrieval); err != nil {
		return nil, err
	}
	if err := settle(in, &in.Memory, contractx.StageMemoryRead, memory); err != nil {
		return nil, err
	}
	return in, nil
}

// runBranch bounds fn by the branch timeout. A result arriving after the
// deadline is dropped.
func runBranch[T any](
	ctx context.Context,
	runID string,
	stage contractx.Stage,
	deps FanoutDeps,
	fn func(ctx context.Context) (T, error),
) branchResult[T] {
	ctx = toolx.WithStage(ctx, stage)
	if deps.Observer != nil {
		deps.Observer.StageStarted(ctx, runID, stage)
	}
	started := time.Now()

	var (
		bctx   context.Context
		cancel context.CancelFunc
	)
	if deps.BranchTimeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, deps.BranchTimeout)
	} else {
		bctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan branchResult[T], 1)
	go func() {
		v, err := fn(bctx)
		done <- branchResult[T]{value: v, err: err}
	}()

	var res branchResult[T]
	select {
	case res = <-done:
	case <-bctx.Done():
		if errors.Is(bctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = fmt.Errorf("%w: %s after %s", ErrBranchTimeout, stage, deps.BranchTimeout)
		} else {
			res.err = bctx.Err()
		}
	}

	if deps.Observer != nil {
		deps.Observer.StageFinished(ctx, runID, stage, time.Since(started), res.err)
	}
	return res
}

type branchSlot[T any] interface {
	Set(v T) error
	SetUnavailable(cause error) error
}

func settle[T any](in *RunState, slot branchSlot[T], stage contractx.Stage, res branchResult[T]) error {
	if res.err == nil {
		return slot.Set(res.value)
	}

	cause := "error"
	if errors.Is(res.err, ErrBranchTimeout) {
		cause = "timeout"
	}
	metricsx.BranchUnavailable.WithLabelValues(string(stage), cause).Inc()
	log.Warn().
		Err(res.err).
		Str("run_id", in.RunID).
		Str("stage", string(stage)).
		Msg("branch_unavailable")

	in.MarkDegraded(stage)
	return slot.SetUnavailable(res.err)
}

type memoryReadInput struct {
	SessionID string                       `json:"session_id"`
	Types     []contractx.MemoryType       `json:"types"`
	Limits    map[contractx.MemoryType]int `json:"limits,omitempty"`
}

type memoryReadSummary struct {
	Count int `json:"count"`
}

func readMemory(
	ctx context.Context,
	store contractx.MemoryStore,
	sessionID string,
	plan contractx.ExecutionPlan,
) ([]contractx.MemoryRecord, error) {
	if store == nil {
		return nil, errors.New("memory store not configured")
	}

	var out []contractx.MemoryRecord
	_, err := toolx.Observe(ctx, ToolMemoryRead, memoryReadInput{SessionID: sessionID, Types: plan.MemoryTypes, Limits: plan.MemoryLimits},
		func(ctx context.Context) (memoryReadSummary, error) {
			for _, t := range plan.MemoryTypes {
				filter := contractx.MemoryFilter{Type: t, Limit: plan.MemoryLimit(t)}
				if t != contractx.MemorySemantic {
					filter.SessionID = sessionID
				}
				recs, err := store.Read(ctx, filter)
				if err != nil {
					return memoryReadSummary{}, fmt.Errorf("read %s memory: %w", t, err)
				}
				if t == contractx.MemoryWorking {
					recs = chronological(recs)
				}
				out = append(out, recs...)
			}
			return memoryReadSummary{Count: len(out)}, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// chronological turns a newest-first working read into transcript order:
// fold summaries first, then turns oldest to newest.
func chronological(recs []contractx.MemoryRecord) []contractx.MemoryRecord {
	out := make([]contractx.MemoryRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].IsSummary() {
			out = append(out, recs[i])
		}
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].IsSummary() {
			out = append(out, recs[i])
		}
	}
	return out
}

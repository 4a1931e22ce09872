package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
	nodex "github.com/tanpawarit/support-copilot/agent/nodes/orchestrator"
	statex "github.com/tanpawarit/support-copilot/agent/state"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidQuery   = nodex.ErrInvalidQuery
	ErrInvalidSession = nodex.ErrInvalidSession
	ErrEngineClosed   = errors.New("engine is closed")
)

type (
	Outcome     = nodex.Outcome
	OutcomeKind = nodex.OutcomeKind
)

const (
	OutcomeResponded = nodex.OutcomeResponded
	OutcomeEscalated = nodex.OutcomeEscalated
	OutcomeError     = nodex.OutcomeError
)

// stageGraph marks failures raised by the graph runtime rather than a stage.
const stageGraph contractx.Stage = "graph"

const tracerName = "github.com/tanpawarit/support-copilot/orchestrator"

// RunRecordStore persists finished runs.
type RunRecordStore interface {
	Save(ctx context.Context, rec *statex.RunRecord) error
}

type Deps struct {
	Models    contractx.Registry
	Retriever nodex.Retriever
	Guard     nodex.Guard
	Memory    contractx.MemoryStore
	Domain    nodex.DomainMatcher

	// Optional.
	Runs        RunRecordStore
	Escalations contractx.EscalationSink
}

type Engine struct {
	deps   Deps
	cfg    Config
	runner compose.Runnable[*nodex.RunState, *nodex.RunState]
	events *broker
	tracer trace.Tracer
	now    func() time.Time

	errs      chan error
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Models == nil {
		return nil, errors.New("model registry is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("guard is required")
	}
	if deps.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if deps.Memory == nil {
		return nil, errors.New("memory store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		deps:   deps,
		cfg:    cfg,
		events: newBroker(cfg.EventBuffer),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		errs:   make(chan error, 32),
	}

	runner, err := e.compileRunGraph(context.Background())
	if err != nil {
		return nil, err
	}
	e.runner = runner

	return e, nil
}

type runOptions struct {
	runID string
}

type RunOption func(*runOptions)

// WithRunID sets the run id, so a caller can Subscribe before calling Run.
func WithRunID(id string) RunOption {
	return func(o *runOptions) {
		o.runID = id
	}
}

// Run executes one query through the stage graph. The error is non-nil only
// for an ERROR outcome and is a *contract.FatalStageError.
func (e *Engine) Run(ctx context.Context, query string, sessionID string, opts ...RunOption) (Outcome, error) {
	if e.isClosed() {
		return Outcome{}, ErrEngineClosed
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	runID := strings.TrimSpace(o.runID)
	if runID == "" {
		runID = uuid.NewString()
	}
	e.events.begin(runID)

	parent := ctx
	rec := toolx.NewRecorder(func(ev contractx.ToolCallEvent) {
		e.events.publish(Event{RunID: runID, Type: EventToolCall, Stage: ev.Stage, At: ev.FinishedAt, Tool: &ev})
	})
	st := nodex.NewRunState(runID, sessionID, query, e.now().UTC(), rec)

	ctx = toolx.WithRecorder(ctx, rec)
	ctx, span := e.tracer.Start(ctx, "copilot.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("session_id", strings.TrimSpace(sessionID)),
	))
	defer span.End()

	_, invokeErr := e.runner.Invoke(ctx, st)
	out, fatal := e.outcome(st, invokeErr)

	metricsx.RunsTotal.WithLabelValues(string(out.Kind), strconv.FormatBool(out.Degraded)).Inc()
	span.SetAttributes(attribute.String("outcome", string(out.Kind)))

	logEvent := log.Info()
	if fatal != nil {
		logEvent = log.Error().Err(fatal.Err).Str("failed_stage", string(fatal.Stage))
	}
	logEvent.
		Str("run_id", runID).
		Str("session_id", st.SessionID).
		Str("outcome", string(out.Kind)).
		Str("reason", out.Reason).
		Bool("degraded", out.Degraded).
		Int("tool_calls", len(out.ToolCalls)).
		Dur("elapsed", e.now().UTC().Sub(st.StartedAt)).
		Msg("run_finished")

	e.afterRun(parent, st, out)

	e.events.publish(Event{RunID: runID, Type: EventRunFinished, At: e.now().UTC(), Outcome: out.Kind})
	e.events.finish(runID)

	if fatal != nil {
		return out, fatal
	}
	return out, nil
}

func (e *Engine) outcome(st *nodex.RunState, invokeErr error) (Outcome, *contractx.FatalStageError) {
	fatal := st.Failure()
	if invokeErr == nil && fatal == nil {
		if out, ok := st.Outcome.Get(); ok {
			return e.decorate(st, out), nil
		}
		fatal = st.Fail(stageGraph, errors.New("run finished without an outcome"))
	}
	if fatal == nil {
		fatal = st.Fail(stageGraph, invokeErr)
	}

	out := Outcome{
		RunID:       st.RunID,
		Kind:        OutcomeError,
		Reason:      "stage_failed",
		Cause:       nodex.ErrorCause(st.RunID),
		FailedStage: fatal.Stage,
	}
	return e.decorate(st, out), fatal
}

func (e *Engine) decorate(st *nodex.RunState, out Outcome) Outcome {
	out.DegradedStages = st.Degraded()
	out.Degraded = len(out.DegradedStages) > 0
	out.ToolCalls = st.Tools.Events()
	if out.RetrievalClass == "" {
		if ev := st.Evidence(); ev != nil {
			out.RetrievalClass = ev.Class
		}
	}
	return out
}

// Subscribe streams the events of runID until the run finishes or cancel is
// called. Subscribe before Run, using WithRunID; subscribing to a run that
// already finished yields a closed channel.
func (e *Engine) Subscribe(runID string) (<-chan Event, func()) {
	return e.events.subscribe(runID)
}

// Errors reports failures of detached tasks. It is closed by Close.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

func (e *Engine) StageStarted(_ context.Context, runID string, stage contractx.Stage) {
	e.events.publish(Event{RunID: runID, Type: EventStageStarted, Stage: stage, At: e.now().UTC()})
}

func (e *Engine) StageFinished(_ context.Context, runID string, stage contractx.Stage, elapsed time.Duration, err error) {
	metricsx.StageDuration.WithLabelValues(string(stage), metricsx.ResultLabel(err)).Observe(elapsed.Seconds())

	ev := Event{
		RunID:      runID,
		Type:       EventStageCompleted,
		Stage:      stage,
		At:         e.now().UTC(),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		log.Debug().Err(err).Str("run_id", runID).Str("stage", string(stage)).Msg("stage_failed")
	}
	e.events.publish(ev)
}

var _ nodex.StageObserver = (*Engine)(nil)

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close stops accepting runs and waits for detached tasks. The error channel
// is closed only when every task finished.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.closeOnce.Do(func() { close(e.errs) })
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for detached tasks: %w", ctx.Err())
	}
}

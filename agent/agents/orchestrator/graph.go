package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	nodex "github.com/tanpawarit/support-copilot/agent/nodes/orchestrator"
	toolx "github.com/tanpawarit/support-copilot/agent/tool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type stageFunc func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error)

func (e *Engine) compileRunGraph(ctx context.Context) (compose.Runnable[*nodex.RunState, *nodex.RunState], error) {
	graph := compose.NewGraph[*nodex.RunState, *nodex.RunState]()

	nodes := []struct {
		name  string
		stage contractx.Stage
		fn    stageFunc
	}{
		{"ingest", contractx.StageIngest, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.Ingest(in, e.cfg.MaxQueryRunes)
		}},
		{"guard_input", contractx.StageGuardInput, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.GuardInput(ctx, in, e.deps.Guard)
		}},
		{nodex.NodeEscalateInput, contractx.StageEscalate, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.EscalateInput(in)
		}},
		{nodex.NodePlan, contractx.StagePlan, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.Plan(in, e.deps.Domain, e.cfg.planConfig())
		}},
		{"fanout", contractx.StageFanout, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.Fanout(ctx, in, nodex.FanoutDeps{
				Intent:        e.deps.Models.Intent(),
				Retriever:     e.deps.Retriever,
				Memory:        e.deps.Memory,
				BranchTimeout: e.cfg.BranchTimeout,
				Observer:      e,
			})
		}},
		{"reason", contractx.StageReason, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.Reason(ctx, in, e.deps.Models.Reasoner())
		}},
		{"synthesize", contractx.StageSynthesize, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.Synthesize(ctx, in, e.deps.Models.Synthesizer())
		}},
		{"guard_output", contractx.StageGuardOutput, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.GuardOutput(ctx, in, e.deps.Guard)
		}},
		{nodex.NodeFinalize, contractx.StageFinalize, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.Finalize(in)
		}},
		{nodex.NodeEscalateOutput, contractx.StageEscalate, func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
			return nodex.EscalateOutput(in)
		}},
	}

	for _, n := range nodes {
		if err := graph.AddLambdaNode(n.name, compose.InvokableLambda(e.stage(n.stage, n.fn))); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.name, err)
		}
	}

	edges := [][2]string{
		{compose.START, "ingest"},
		{"ingest", "guard_input"},
		{nodex.NodePlan, "fanout"},
		{"fanout", "reason"},
		{"reason", "synthesize"},
		{"synthesize", "guard_output"},
		{nodex.NodeFinalize, compose.END},
		{nodex.NodeEscalateInput, compose.END},
		{nodex.NodeEscalateOutput, compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	if err := graph.AddBranch("guard_input", compose.NewGraphBranch(
		nodex.RouteAfterGuardInput,
		map[string]bool{nodex.NodePlan: true, nodex.NodeEscalateInput: true},
	)); err != nil {
		return nil, fmt.Errorf("add guard_input branch: %w", err)
	}
	if err := graph.AddBranch("guard_output", compose.NewGraphBranch(
		nodex.RouteAfterGuardOutput,
		map[string]bool{nodex.NodeFinalize: true, nodex.NodeEscalateOutput: true},
	)); err != nil {
		return nil, fmt.Errorf("add guard_output branch: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.run"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}

// stage wraps a node with its timeout, span, events and metrics. A failure is
// recorded on the run state as the run's fatal error.
func (e *Engine) stage(stage contractx.Stage, fn stageFunc) func(context.Context, *nodex.RunState) (*nodex.RunState, error) {
	return func(ctx context.Context, in *nodex.RunState) (*nodex.RunState, error) {
		if in == nil {
			return nil, fmt.Errorf("%w: run state is nil", contractx.ErrValidation)
		}

		ctx = toolx.WithStage(ctx, stage)
		ctx, span := e.tracer.Start(ctx, "stage."+string(stage),
			trace.WithAttributes(attribute.String("run_id", in.RunID)))
		defer span.End()

		e.StageStarted(ctx, in.RunID, stage)
		started := time.Now()

		sctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		defer cancel()
		out, err := fn(sctx, in)

		e.StageFinished(ctx, in.RunID, stage, time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage failed")
			return nil, in.Fail(stage, err)
		}
		return out, nil
	}
}

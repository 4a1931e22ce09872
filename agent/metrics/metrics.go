// Package metrics holds the Prometheus collectors for the co-pilot runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "copilot"

var (
	// StageDuration tracks stage latency.
	// Labels: stage, result (ok, error)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of orchestration stages in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "result"},
	)

	// RunsTotal counts finished runs.
	// Labels: outcome (RESPONDED, ESCALATED, ERROR), degraded (true, false)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of runs by outcome",
		},
		[]string{"outcome", "degraded"},
	)

	// BranchUnavailable counts fan-out branches replaced by the unavailable sentinel.
	// Labels: stage, cause (error, timeout)
	BranchUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "branch_unavailable_total",
			Help:      "Total number of fan-out branches that degraded to unavailable",
		},
		[]string{"stage", "cause"},
	)

	// EventsDropped counts stream events not delivered to slow subscribers.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "events_dropped_total",
			Help:      "Total number of run events dropped for slow subscribers",
		},
	)

	// DetachedTaskErrors counts failed background tasks.
	// Labels: task
	DetachedTaskErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "detached_task_errors_total",
			Help:      "Total number of failed detached tasks",
		},
		[]string{"task"},
	)

	// RetrievalOutcomes counts retrieval gate classifications.
	// Labels: class (CONFIDENT, USABLE, NONE), retried (true, false)
	RetrievalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "outcomes_total",
			Help:      "Total number of retrieval gate outcomes by class",
		},
		[]string{"class", "retried"},
	)

	// ToolCalls counts observed external calls.
	// Labels: tool, result (success, error)
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total number of observed tool calls",
		},
		[]string{"tool", "result"},
	)

	// MemoryFolds counts working-memory prune operations.
	// Labels: source (oracle, fallback)
	MemoryFolds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "folds_total",
			Help:      "Total number of working-memory folds into a summary",
		},
		[]string{"source"},
	)

	// GuardrailDecisions counts gate results.
	// Labels: mode (input, output), triggered (true, false)
	GuardrailDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardrails",
			Name:      "decisions_total",
			Help:      "Total number of guardrail decisions",
		},
		[]string{"mode", "triggered"},
	)
)

func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

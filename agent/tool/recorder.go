package tool

import (
	"context"
	"reflect"
	"sync"
	"time"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
)

const (
	maxStringLen = 2000
	maxListLen   = 50

	truncatedSuffix = "...[truncated]"
)

// Recorder is the append-only tool-call log of a single run. Events are kept
// in completion order, which may differ from start order.
type Recorder struct {
	mu       sync.Mutex
	events   []contractx.ToolCallEvent
	onRecord func(contractx.ToolCallEvent)
}

func NewRecorder(onRecord func(contractx.ToolCallEvent)) *Recorder {
	return &Recorder{onRecord: onRecord}
}

func (r *Recorder) Append(ev contractx.ToolCallEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	if r.onRecord != nil {
		r.onRecord(ev)
	}
}

// Events returns a snapshot of the log.
func (r *Recorder) Events() []contractx.ToolCallEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contractx.ToolCallEvent(nil), r.events...)
}

func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type recorderKey struct{}

type stageKey struct{}

func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

func RecorderFrom(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

func WithStage(ctx context.Context, stage contractx.Stage) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

func StageFrom(ctx context.Context) contractx.Stage {
	s, _ := ctx.Value(stageKey{}).(contractx.Stage)
	return s
}

// Observe runs fn and appends one ToolCallEvent to the recorder carried by
// ctx. Without a recorder the call still runs and is counted.
func Observe[T any](
	ctx context.Context,
	name string,
	input any,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	started := time.Now().UTC()
	out, err := fn(ctx)
	finished := time.Now().UTC()

	metricsx.ToolCalls.WithLabelValues(name, metricsx.ResultLabel(err)).Inc()

	ev := contractx.ToolCallEvent{
		ToolName:   name,
		Stage:      StageFrom(ctx),
		Input:      Sanitize(input),
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
	}
	if err != nil {
		ev.Error = truncateString(err.Error())
	} else {
		ev.Result = Sanitize(out)
	}
	RecorderFrom(ctx).Append(ev)

	return out, err
}

// Sanitize bounds payload size before a value is logged or streamed.
func Sanitize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return truncateString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Sanitize(item)
		}
		return out
	case []any:
		if len(val) > maxListLen {
			val = val[:maxListLen]
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Len() > maxListLen {
		return rv.Slice(0, maxListLen).Interface()
	}
	return v
}

func truncateString(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStringLen {
		return s
	}
	return string(runes[:maxStringLen]) + truncatedSuffix
}

package orchestrator

import (
	"sync"
	"time"

	contractx "github.com/tanpawarit/support-copilot/agent/contract"
	metricsx "github.com/tanpawarit/support-copilot/agent/metrics"
	nodex "github.com/tanpawarit/support-copilot/agent/nodes/orchestrator"
)

type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventToolCall       EventType = "tool_call"
	EventRunFinished    EventType = "run_finished"
)

type Event struct {
	RunID      string                   `json:"run_id"`
	Type       EventType                `json:"type"`
	Stage      contractx.Stage          `json:"stage,omitempty"`
	At         time.Time                `json:"at"`
	DurationMs int64                    `json:"duration_ms,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Tool       *contractx.ToolCallEvent `json:"tool,omitempty"`
	Outcome    nodex.OutcomeKind        `json:"outcome,omitempty"`
}

// finishedRetention bounds how many finished run ids the broker remembers.
const finishedRetention = 1024

// broker fans run events out to subscribers without blocking the run. A
// subscriber that falls behind loses events.
type broker struct {
	mu     sync.Mutex
	buffer int
	next   int
	subs   map[string]map[int]chan Event

	finished map[string]struct{}
	order    []string
}

func newBroker(buffer int) *broker {
	if buffer <= 0 {
		buffer = 1
	}
	return &broker{
		buffer:   buffer,
		subs:     map[string]map[int]chan Event{},
		finished: map[string]struct{}{},
	}
}

// subscribe on a run that already finished returns a closed channel.
func (b *broker) subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.finished[runID]; done {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	if b.subs[runID] == nil {
		b.subs[runID] = map[int]chan Event{}
	}
	b.subs[runID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[runID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subs, runID)
			}
		})
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			metricsx.EventsDropped.Inc()
		}
	}
}

// begin forgets a finished run id so a run reusing it streams again.
func (b *broker) begin(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.finished, runID)
}

// finish closes every subscription of a run and remembers the id for late
// subscribers.
func (b *broker) finish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[runID] {
		close(ch)
		delete(b.subs[runID], id)
	}
	delete(b.subs, runID)

	if _, ok := b.finished[runID]; ok {
		return
	}
	b.finished[runID] = struct{}{}
	b.order = append(b.order, runID)
	if len(b.order) > finishedRetention {
		delete(b.finished, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *broker) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

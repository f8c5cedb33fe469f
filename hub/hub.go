// CLAUDE:SUMMARY In-process event hub fanning pipeline activity out to SSE subscribers: worker wake-ups and UI record/pipeline events.
package hub

import (
	"log/slog"
	"sync"
)

// Event is one server-sent event: the SSE event name plus a payload the
// transport layer marshals to JSON.
type Event struct {
	Name string
	Data any
}

// JobEvent wakes workers that handle a kind.
type JobEvent struct {
	Kind string `json:"kind"`
}

// RecordEvent tells UIs a record changed.
type RecordEvent struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

// PipelineEvent tells UIs the job queue moved.
type PipelineEvent struct {
	Action string `json:"action"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

const subscriberBuffer = 16

type subscriber struct {
	ch    chan Event
	kinds map[string]bool // nil for UI subscribers
}

// Hub fans events out to subscribers. Sends never block: a subscriber
// whose buffer is full is dropped, since a stalled SSE connection must
// not hold up job completion.
type Hub struct {
	mu      sync.Mutex
	workers map[string]*subscriber
	uis     map[string]*subscriber
	log     *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		workers: make(map[string]*subscriber),
		uis:     make(map[string]*subscriber),
		log:     logger,
	}
}

// SubscribeWorker registers a worker stream for the given job kinds. A
// second subscription with the same worker id supersedes the first: the
// old channel is closed so a reconnecting worker never leaves a ghost.
func (h *Hub) SubscribeWorker(workerID string, kinds []string) (<-chan Event, func()) {
	ks := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		ks[k] = true
	}
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), kinds: ks}

	h.mu.Lock()
	if old, ok := h.workers[workerID]; ok {
		close(old.ch)
		h.log.Debug("worker stream superseded", "worker_id", workerID)
	}
	h.workers[workerID] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.workers[workerID] == sub {
			delete(h.workers, workerID)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// SubscribeUI registers a UI stream. The id only needs to be unique per
// connection; callers generate it.
func (h *Hub) SubscribeUI(subID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if old, ok := h.uis[subID]; ok {
		close(old.ch)
	}
	h.uis[subID] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.uis[subID] == sub {
			delete(h.uis, subID)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// WakeWorkers notifies every worker stream subscribed to kind that work
// is available.
func (h *Hub) WakeWorkers(kind string) {
	h.broadcast(h.workers, func(s *subscriber) bool { return s.kinds[kind] },
		Event{Name: "job", Data: JobEvent{Kind: kind}})
}

// PublishRecord notifies UI streams that a record changed.
func (h *Hub) PublishRecord(recordID int64, action string) {
	h.broadcast(h.uis, nil, Event{Name: "record", Data: RecordEvent{ID: recordID, Action: action}})
}

// PublishPipeline notifies UI streams that the job queue moved.
func (h *Hub) PublishPipeline(kind, status string) {
	h.broadcast(h.uis, nil,
		Event{Name: "record", Data: PipelineEvent{Action: "pipeline", Kind: kind, Status: status}})
}

func (h *Hub) broadcast(m map[string]*subscriber, match func(*subscriber) bool, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range m {
		if match != nil && !match(sub) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(m, id)
			close(sub.ch)
			h.log.Warn("dropped slow event subscriber", "subscriber", id)
		}
	}
}

// Counts returns the number of connected worker and UI streams.
func (h *Hub) Counts() (workers, uis int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers), len(h.uis)
}

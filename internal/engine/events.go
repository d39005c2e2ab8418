package engine

import (
	"sync"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// EventKind identifies an engine notification
type EventKind string

const (
	EventTaskUpdated    EventKind = "task_updated"
	EventStatsUpdated   EventKind = "stats_updated"
	EventBatchConfirmed EventKind = "batch_confirmed"
	EventSessionDone    EventKind = "session_done"
)

// Event is delivered to subscribers. Task is set for task_updated, Batch
// for batch_confirmed, Stats for stats_updated and session_done.
type Event struct {
	Kind  EventKind
	Task  models.FileTask
	Batch int
	Stats models.SessionStats
	Err   error
}

// hub fans events out to subscribers without ever blocking the publisher.
// A subscriber that falls behind misses events.
type hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	size int
}

func newHub(size int) *hub {
	return &hub{subs: make(map[int]chan Event), size: size}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, h.size)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

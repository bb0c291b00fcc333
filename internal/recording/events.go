package recording

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStatus         EventType = "status"
	EventTick           EventType = "tick"
	EventError          EventType = "error"
	EventUploadComplete EventType = "upload_complete"
	EventUploadFailed   EventType = "upload_failed"
)

// Event is published to subscribers on every state change and upload outcome.
type Event struct {
	Type   EventType   `json:"type"`
	At     time.Time   `json:"at"`
	Status *StatusView `json:"status,omitempty"`
	Result *Result     `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

const subscriberBuffer = 32

// hub fans events out to subscriber channels. Slow subscribers lose events
// rather than block the publisher.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.Debug("dropping event for slow subscriber", "subscriber", id, "type", string(ev.Type))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

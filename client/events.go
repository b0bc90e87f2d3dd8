package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/internal/metrics"
)

const eventBuffer = 16

// eventHub fans a session's events out to its subscribers. Sends never
// block: a subscriber that stops draining loses events, not the
// session.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
	done   chan struct{}
	logger zerolog.Logger
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		subs:   make(map[int]chan domain.Event),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// subscribe registers a subscriber channel. It closes when ctx ends or
// the hub shuts down.
func (h *eventHub) subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, eventBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(id)
		case <-h.done:
		}
	}()
	return ch
}

func (h *eventHub) remove(id int) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *eventHub) publish(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			h.logger.Warn().Str("room_id", ev.EventRoom()).Msg("event dropped on slow subscriber")
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[int]chan domain.Event)
	h.mu.Unlock()

	close(h.done)
	for _, ch := range subs {
		close(ch)
	}
}

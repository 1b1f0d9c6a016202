package http

import (
	"sync"
	"sync/atomic"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// EventHub fans call events out to the open event streams. Slow
// subscribers lose events instead of stalling the sessions.
type EventHub struct {
	buffer int
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	subs    map[chan domain.CallEvent]struct{}
	dropped atomic.Uint64
}

var _ ports.CallEventSink = (*EventHub)(nil)

func NewEventHub(buffer int, logger *zap.SugaredLogger) *EventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventHub{
		buffer: buffer,
		logger: logger.With("component", "event_hub"),
		subs:   make(map[chan domain.CallEvent]struct{}),
	}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (h *EventHub) Subscribe() (<-chan domain.CallEvent, func()) {
	ch := make(chan domain.CallEvent, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Publish(event domain.CallEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Debugw("dropping event for slow subscriber",
				"call_id", event.CallID,
				"type", event.Type,
			)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (h *EventHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers is the number of open streams.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

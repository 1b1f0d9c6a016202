package services

import (
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

// EventFanout forwards every call event to each registered sink.
type EventFanout struct {
	mu    sync.RWMutex
	sinks []ports.CallEventSink
}

func NewEventFanout(sinks ...ports.CallEventSink) *EventFanout {
	f := &EventFanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

func (f *EventFanout) Add(sink ports.CallEventSink) {
	if sink == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

func (f *EventFanout) Publish(event domain.CallEvent) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(event)
	}
}

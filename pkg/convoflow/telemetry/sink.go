// Package telemetry provides a fire-and-forget event sink.
//
// The engine reports best-effort progress and audit events (node failures,
// breaker trips, budget alerts, streaming progress) through a Sink. A Sink
// must never block or fail the caller: delivery is asynchronous and events
// are dropped, with a counter, when the buffer is full.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a single telemetry record.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type names the event (e.g. "node.failed", "breaker.tripped",
	// "budget.alert", "stream.progress").
	Type string `json:"type"`

	// RunID and NodeID locate the event in a workflow run, when applicable.
	RunID  string `json:"run_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific fields.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a generated ID and current timestamp.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithRun attaches run context to the event.
func (e Event) WithRun(runID, nodeID string) Event {
	e.RunID = runID
	e.NodeID = nodeID
	return e
}

// Sink receives telemetry events. Record must not block and must not
// return an error: a telemetry outage never affects the caller.
type Sink interface {
	Record(evt Event)
}

// NoopSink discards all events.
type NoopSink struct{}

// Record does nothing.
func (NoopSink) Record(Event) {}

// Handler processes events delivered by a LocalSink.
type Handler func(Event)

// LocalSink is an in-process Sink with a bounded buffer and a single
// delivery goroutine. When the buffer is full, events are dropped and
// counted rather than blocking the caller.
type LocalSink struct {
	events  chan Event
	handler Handler
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewLocalSink creates a sink delivering events to handler.
// bufferSize <= 0 defaults to 256.
func NewLocalSink(bufferSize int, handler Handler) *LocalSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &LocalSink{
		events:  make(chan Event, bufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	go s.deliver()
	return s
}

// Record implements Sink. Never blocks; drops when the buffer is full.
func (s *LocalSink) Record(evt Event) {
	select {
	case <-s.done:
		s.dropped.Add(1)
	default:
		select {
		case s.events <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped so far.
func (s *LocalSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops delivery after draining buffered events.
// The events channel is never closed so a concurrent Record cannot
// panic; it just starts dropping once done is signalled.
func (s *LocalSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// deliver drains the event channel until Close, then drains the
// remaining buffer and exits.
func (s *LocalSink) deliver() {
	for {
		select {
		case evt := <-s.events:
			if s.handler != nil {
				s.handler(evt)
			}
		case <-s.done:
			for {
				select {
				case evt := <-s.events:
					if s.handler != nil {
						s.handler(evt)
					}
				default:
					return
				}
			}
		}
	}
}

// ABOUTME: Transport lifecycle events fanned out to sinks such as metrics and the audit journal
// ABOUTME: Publishing never blocks a request; events are dropped when the queue is full

package transport

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

// Lifecycle events
const (
	EventSessionCreated EventType = "session_created"
	EventSessionPurged  EventType = "session_purged"
	EventStreamOpened   EventType = "stream_opened"
	EventStreamClosed   EventType = "stream_closed"
	EventRequest        EventType = "request"
	EventRejected       EventType = "rejected"
	EventAuthFailed     EventType = "auth_failed"
)

const eventQueueSize = 256

// Event describes something that happened in the transport. Fields that do
// not apply to a type are left zero.
type Event struct {
	Type      EventType
	Time      time.Time
	SessionID string
	Method    string
	Status    int
	Reason    string
	Remote    string
	Subject   string
	Duration  time.Duration
}

// EventSink receives events on the transport's event goroutine.
type EventSink interface {
	HandleEvent(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// HandleEvent calls f.
func (f EventSinkFunc) HandleEvent(ev Event) {
	f(ev)
}

type publisherKey struct{}

// Publish sends ev to the sinks of the transport serving ctx's request. It is
// a no-op outside a transport request.
func Publish(ctx context.Context, ev Event) {
	if t, ok := ctx.Value(publisherKey{}).(*StreamableHTTP); ok {
		t.publish(ev)
	}
}

func (t *StreamableHTTP) publish(ev Event) {
	if len(t.sinks) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = t.clock.Now()
	}
	select {
	case t.events <- ev:
	default:
		t.droppedEvents.Add(1)
	}
}

func (t *StreamableHTTP) runEventPump() {
	defer close(t.pumpDone)
	for {
		select {
		case ev := <-t.events:
			t.dispatch(ev)
		case <-t.pumpStop:
			for {
				select {
				case ev := <-t.events:
					t.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *StreamableHTTP) dispatch(ev Event) {
	for _, sink := range t.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("event sink panicked", "event", ev.Type, "panic", r)
				}
			}()
			sink.HandleEvent(ev)
		}()
	}
}

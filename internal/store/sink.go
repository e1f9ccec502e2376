// ABOUTME: Journal sink that persists transport lifecycle events to a Store
// ABOUTME: Runs on the transport's event goroutine; write failures are logged, never returned

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-mcp/internal/transport"
)

const sinkWriteTimeout = 5 * time.Second

// Sink journals transport events into a Store.
type Sink struct {
	store  Store
	skip   map[transport.EventType]bool
	logger *slog.Logger
}

var _ transport.EventSink = (*Sink)(nil)

// NewSink returns a Sink writing to store. Events of the skipped types are
// not journaled.
func NewSink(store Store, logger *slog.Logger, skip ...transport.EventType) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		store:  store,
		skip:   make(map[transport.EventType]bool, len(skip)),
		logger: logger.With("component", "journal"),
	}
	for _, t := range skip {
		s.skip[t] = true
	}
	return s
}

// HandleEvent implements transport.EventSink.
func (s *Sink) HandleEvent(ev transport.Event) {
	if s.skip[ev.Type] {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	if err := s.store.SaveEvent(ctx, FromTransport(ev)); err != nil {
		s.logger.Warn("failed to journal event", "type", ev.Type, "error", err)
	}
}

// FromTransport converts a transport event to its journal record.
func FromTransport(ev transport.Event) *JournalEvent {
	return &JournalEvent{
		Type:       string(ev.Type),
		OccurredAt: ev.Time,
		SessionID:  ev.SessionID,
		Method:     ev.Method,
		Status:     ev.Status,
		Reason:     ev.Reason,
		Remote:     ev.Remote,
		Subject:    ev.Subject,
		Duration:   ev.Duration,
	}
}

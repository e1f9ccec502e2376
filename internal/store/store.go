// ABOUTME: Store interface and data types for the coven-mcp event journal
// ABOUTME: Defines the JournalEvent record and the query parameters for listing it

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested event does not exist
var ErrNotFound = errors.New("not found")

// Listing limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// JournalEvent is one persisted transport lifecycle event.
type JournalEvent struct {
	ID         int64
	Type       string
	OccurredAt time.Time
	SessionID  string
	Method     string
	Status     int
	Reason     string
	Remote     string
	Subject    string
	Duration   time.Duration
}

// ListEventsParams filters a journal query. Zero fields match everything.
type ListEventsParams struct {
	Type      string
	SessionID string
	Since     time.Time
	Limit     int // 1-1000, defaults to 50
}

// Store persists and queries journal events.
type Store interface {
	SaveEvent(ctx context.Context, ev *JournalEvent) error
	GetEvent(ctx context.Context, id int64) (*JournalEvent, error)
	// ListEvents returns matching events newest first.
	ListEvents(ctx context.Context, p ListEventsParams) ([]*JournalEvent, error)
	// CountEvents returns the number of events per type.
	CountEvents(ctx context.Context) (map[string]int, error)
	// PruneEvents deletes events that occurred before cutoff.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

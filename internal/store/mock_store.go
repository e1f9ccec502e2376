// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []*JournalEvent
	nextID int64
	closed bool

	// SaveErr, when set, is returned by SaveEvent.
	SaveErr error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveEvent stores a copy of ev.
func (m *MockStore) SaveEvent(_ context.Context, ev *JournalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.closed {
		return errors.New("store closed")
	}
	m.nextID++
	ev.ID = m.nextID
	e := *ev
	m.events = append(m.events, &e)
	return nil
}

// GetEvent retrieves an event by ID.
func (m *MockStore) GetEvent(_ context.Context, id int64) (*JournalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.ID == id {
			e := *ev
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

// ListEvents returns matching events newest first.
func (m *MockStore) ListEvents(_ context.Context, p ListEventsParams) ([]*JournalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JournalEvent
	for _, ev := range m.events {
		if p.Type != "" && ev.Type != p.Type {
			continue
		}
		if p.SessionID != "" && ev.SessionID != p.SessionID {
			continue
		}
		if !p.Since.IsZero() && ev.OccurredAt.Before(p.Since) {
			continue
		}
		e := *ev
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(p.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountEvents returns the number of events per type.
func (m *MockStore) CountEvents(context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, ev := range m.events {
		counts[ev.Type]++
	}
	return counts, nil
}

// PruneEvents deletes events that occurred before cutoff.
func (m *MockStore) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, ev := range m.events {
		if ev.OccurredAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

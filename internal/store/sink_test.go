// ABOUTME: Tests for the journal sink
// ABOUTME: Drives a live transport and checks its lifecycle events land in the store

package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mcp/internal/transport"
)

func TestSinkJournalsTransportEvents(t *testing.T) {
	journal := newTestStore(t)
	handler := transport.HandlerFunc(func(ctx context.Context, body []byte, headers map[string]string) ([]byte, error) {
		return []byte(`{"jsonrpc":"2.0","result":{},"id":1}`), nil
	})
	tr, err := transport.New(transport.Config{
		Handler: handler,
		Sinks:   []transport.EventSink{NewSink(journal, quietLogger())},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	req.RemoteAddr = "127.0.0.1:50000"
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(transport.HeaderSessionID)

	// Stop drains the event queue.
	require.NoError(t, tr.Stop(context.Background()))

	events, err := journal.ListEvents(context.Background(), ListEventsParams{SessionID: sessionID})
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, string(transport.EventSessionCreated))
	assert.Contains(t, types, string(transport.EventRequest))

	requests, err := journal.ListEvents(context.Background(), ListEventsParams{Type: string(transport.EventRequest)})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "ping", requests[0].Method)
	assert.Equal(t, http.StatusOK, requests[0].Status)
}

func TestSinkSkipsTypes(t *testing.T) {
	journal := NewMockStore()
	sink := NewSink(journal, quietLogger(), transport.EventRequest)

	sink.HandleEvent(transport.Event{Type: transport.EventRequest, Time: base})
	sink.HandleEvent(transport.Event{Type: transport.EventAuthFailed, Time: base, Reason: "invalid_token", Status: 401})

	events, err := journal.ListEvents(context.Background(), ListEventsParams{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "auth_failed", events[0].Type)
	assert.Equal(t, "invalid_token", events[0].Reason)
}

func TestSinkSurvivesStoreErrors(t *testing.T) {
	journal := NewMockStore()
	journal.SaveErr = errors.New("disk full")
	sink := NewSink(journal, quietLogger())

	assert.NotPanics(t, func() {
		sink.HandleEvent(transport.Event{Type: transport.EventStreamOpened, Time: base})
	})
}

func TestFromTransport(t *testing.T) {
	ev := transport.Event{
		Type:      transport.EventStreamClosed,
		Time:      base,
		SessionID: "s",
		Reason:    "client gone",
		Duration:  3 * time.Second,
	}
	assert.Equal(t, &JournalEvent{
		Type:       "stream_closed",
		OccurredAt: base,
		SessionID:  "s",
		Reason:     "client gone",
		Duration:   3 * time.Second,
	}, FromTransport(ev))
}

func TestMockStoreMatchesSQLiteOrdering(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{"sqlite": newTestStore(t), "mock": NewMockStore()} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveEvent(ctx, &JournalEvent{Type: "a", OccurredAt: base.Add(time.Minute)}))
			require.NoError(t, s.SaveEvent(ctx, &JournalEvent{Type: "b", OccurredAt: base}))
			require.NoError(t, s.SaveEvent(ctx, &JournalEvent{Type: "c", OccurredAt: base.Add(time.Minute)}))

			events, err := s.ListEvents(ctx, ListEventsParams{})
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, []string{"c", "a", "b"}, []string{events[0].Type, events[1].Type, events[2].Type})
		})
	}
}

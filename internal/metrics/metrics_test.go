// ABOUTME: Tests for the Prometheus collector
// ABOUTME: Feeds events directly and through a live transport, then scrapes the registry

package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mcp/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedCounts struct{ sessions, streams int }

func (f fixedCounts) Counts() (int, int) { return f.sessions, f.streams }

func TestHandleEvent(t *testing.T) {
	c := New("", quietLogger())

	events := []transport.Event{
		{Type: transport.EventRequest, Method: "ping", Status: 200, Duration: 5 * time.Millisecond},
		{Type: transport.EventRequest, Method: "ping", Status: 200},
		{Type: transport.EventRequest, Status: 400},
		{Type: transport.EventAuthFailed, Reason: "invalid_token"},
		{Type: transport.EventAuthFailed, Reason: "insufficient_scope"},
		{Type: transport.EventRejected, Reason: "origin"},
		{Type: transport.EventSessionCreated},
		{Type: transport.EventSessionPurged},
		{Type: transport.EventStreamOpened},
		{Type: transport.EventStreamClosed, Reason: "completed"},
		{Type: transport.EventStreamClosed, Reason: "keep-alive write failed"},
		{Type: transport.EventType("unheard_of")},
	}
	for _, ev := range events {
		c.HandleEvent(ev)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("ping", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("unknown", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authFailures.WithLabelValues("invalid_token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authFailures.WithLabelValues("insufficient_scope")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejections.WithLabelValues("origin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.streamsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.streamsClosed.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.droppedStreams))
	assert.Equal(t, 2, testutil.CollectAndCount(c.requestDuration))
}

func TestObserveGauges(t *testing.T) {
	c := New("/metrics", quietLogger())
	c.Observe(fixedCounts{sessions: 3, streams: 1})

	expected := `
# HELP coven_mcp_sessions Live sessions.
# TYPE coven_mcp_sessions gauge
coven_mcp_sessions 3
# HELP coven_mcp_streams Open SSE streams.
# TYPE coven_mcp_streams gauge
coven_mcp_streams 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"coven_mcp_sessions", "coven_mcp_streams"))
}

func TestMetricsRouteOnTransport(t *testing.T) {
	c := New("/metrics", quietLogger())
	tr, err := transport.New(transport.Config{
		Handler: transport.HandlerFunc(func(context.Context, []byte, map[string]string) ([]byte, error) {
			return []byte(`{"jsonrpc":"2.0","result":{},"id":1}`), nil
		}),
		Sinks:  []transport.EventSink{c},
		Routes: []transport.RouteMounter{c},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	c.Observe(tr)

	t.Cleanup(func() { _ = tr.Stop(context.Background()) })

	post := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	post.RemoteAddr = "127.0.0.1:50000"
	post.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, post)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.requests.WithLabelValues("ping", "200")) == 1
	}, time.Second, 10*time.Millisecond)

	scrape := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	scrape.RemoteAddr = "127.0.0.1:50001"
	rec = httptest.NewRecorder()
	tr.ServeHTTP(rec, scrape)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `coven_mcp_requests_total{method="ping",status="200"} 1`)
	assert.Contains(t, body, "coven_mcp_sessions 1")
	assert.Contains(t, body, "go_goroutines")
}

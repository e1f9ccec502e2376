// ABOUTME: Shared fixtures for transport tests: a scripted handler, fake streams and request builders
// ABOUTME: Requests default to a loopback remote address so the security gate admits them

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mcp/internal/concurrency"
)

const bothAccept = "application/json, text/event-stream"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedHandler answers by method name.
func scriptedHandler() Handler {
	return HandlerFunc(func(ctx context.Context, body []byte, headers map[string]string) ([]byte, error) {
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		id := string(msg.ID)
		if id == "" {
			id = "null"
		}
		switch msg.Method {
		case "fail":
			return nil, errors.New("database unavailable")
		case "explode":
			panic("handler bug")
		case "headers":
			raw, _ := json.Marshal(headers)
			return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":%s}`, raw, id)), nil
		case "silent":
			return nil, nil
		default:
			// Answers everything, notifications included.
			return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","result":{},"id":%s}`, id)), nil
		}
	})
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type testTransport struct {
	*StreamableHTTP
	clock  clockwork.FakeClock
	events *eventRecorder
}

func newTestTransport(t *testing.T, kind concurrency.Kind, mutate ...func(*Config)) *testTransport {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	events := &eventRecorder{}
	cfg := Config{
		Handler: scriptedHandler(),
		Adapter: concurrency.New(kind, concurrency.WithClock(clock), concurrency.WithLogger(quietLogger())),
		Sinks:   []EventSink{events},
		Logger:  quietLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return &testTransport{StreamableHTTP: tr, clock: clock, events: events}
}

func postRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Accept", bothAccept)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, body []byte) (int, string) {
	t.Helper()
	var resp struct {
		Error *Error          `json:"error"`
		ID    json.RawMessage `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Error, "expected a JSON-RPC error in %s", body)
	return resp.Error.Code, resp.Error.Message
}

// fakeStream records writes and can be told to fail like a broken pipe.
type fakeStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	broken bool
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.broken {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeStream) breakPipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
}

func (s *fakeStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func streamCount(tr *StreamableHTTP) int {
	var n int
	tr.adapter.Synchronize(func() { n = tr.clients.Len() })
	return n
}

func allKinds(t *testing.T, fn func(t *testing.T, kind concurrency.Kind)) {
	t.Helper()
	for _, kind := range []concurrency.Kind{concurrency.Threaded, concurrency.Cooperative} {
		t.Run(kind.String(), func(t *testing.T) { fn(t, kind) })
	}
}

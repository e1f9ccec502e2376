// ABOUTME: SSE stream implementations: hijacked raw connections and a flush-based fallback
// ABOUTME: Also formats SSE frames and writes the hand-rolled response head for hijacked sockets

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stream is the server-to-client half of an SSE connection.
type Stream interface {
	Write(p []byte) (int, error)
	Close() error
	SetWriteDeadline(t time.Time) error
}

// hijackedStream owns a raw connection taken over from net/http.
type hijackedStream struct {
	conn net.Conn
	bw   *bufio.Writer

	mu     sync.Mutex
	closed bool
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	n, err := s.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.bw.Flush()
}

func (s *hijackedStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *hijackedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// flushStream writes through a ResponseWriter for servers that cannot hand
// over the connection. The serving handler must stay blocked on done.
type flushStream struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFlushStream(w http.ResponseWriter) *flushStream {
	return &flushStream{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

func (s *flushStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.rc.Flush()
}

func (s *flushStream) SetWriteDeadline(t time.Time) error {
	err := s.rc.SetWriteDeadline(t)
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (s *flushStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// openStream takes over w for SSE. The status line and headers are written
// before it returns. When the result is a *flushStream the caller must block
// until it closes or the request ends.
func (t *StreamableHTTP) openStream(w http.ResponseWriter, sessionID string) (Stream, error) {
	rc := http.NewResponseController(w)
	conn, brw, err := rc.Hijack()
	switch {
	case err == nil:
		s := &hijackedStream{conn: conn, bw: brw.Writer}
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if _, err := s.Write(responseHead(sessionID, w.Header())); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("writing stream head: %w", err)
		}
		return s, nil
	case errors.Is(err, http.ErrNotSupported):
		h := w.Header()
		for _, kv := range sseHeaders {
			h.Set(kv[0], kv[1])
		}
		h.Set(HeaderSessionID, sessionID)
		w.WriteHeader(http.StatusOK)
		s := newFlushStream(w)
		if err := s.rc.Flush(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotStreamable, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("hijacking connection: %w", err)
	}
}

var sseHeaders = [][2]string{
	{"Content-Type", "text/event-stream"},
	{"Cache-Control", "no-cache"},
	{"Connection", "keep-alive"},
	{"X-Accel-Buffering", "no"},
}

// responseHead renders the status line, fixed SSE headers, the session id and
// any CORS headers already set by middleware.
func responseHead(sessionID string, h http.Header) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	for _, kv := range sseHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", kv[0], kv[1])
	}
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSessionID, sessionID)

	var names []string
	for name := range h {
		if strings.HasPrefix(name, "Access-Control-") || name == "Vary" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, sanitizeHeaderValue(v))
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeaderValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// formatEvent renders one SSE frame. Multi-line data becomes several data
// lines.
func formatEvent(event string, data []byte) []byte {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", sanitizeHeaderValue(event))
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimSuffix(line, "\r"))
	}
	b.WriteString("\n")
	return []byte(b.String())
}

func formatComment(text string) []byte {
	return []byte(": " + text + "\n\n")
}

func formatRetry(d time.Duration) []byte {
	return []byte(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

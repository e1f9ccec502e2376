// ABOUTME: Server-initiated streaming responses: a POST upgraded into an SSE stream mid-request
// ABOUTME: Handlers push intermediate events and a terminal message, then the stream closes shortly after

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

type exchangeKey struct{}

// exchange is the in-flight POST a handler may upgrade.
type exchange struct {
	t         *StreamableHTTP
	w         http.ResponseWriter
	sessionID string

	mu     sync.Mutex
	stream *StreamingResponse
}

func (ex *exchange) upgraded() *StreamingResponse {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stream
}

// StreamingResponse is a POST response being delivered as SSE events.
type StreamingResponse struct {
	t         *StreamableHTTP
	client    *sseClient
	completed atomic.Bool
}

// InitiateStreaming upgrades the POST being handled under ctx into an SSE
// stream. Calling it again returns the same stream.
func InitiateStreaming(ctx context.Context) (*StreamingResponse, error) {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok {
		return nil, ErrNotStreamable
	}
	return ex.t.InitiateStreamingResponse(ctx)
}

// Streaming returns the stream the POST under ctx was upgraded to, if any.
func Streaming(ctx context.Context) (*StreamingResponse, bool) {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok {
		return nil, false
	}
	sr := ex.upgraded()
	return sr, sr != nil
}

// InitiateStreamingResponse upgrades the POST being handled under ctx. The
// stream becomes the session's registered client, replacing any open one.
func (t *StreamableHTTP) InitiateStreamingResponse(ctx context.Context) (*StreamingResponse, error) {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok || ex.t != t {
		return nil, ErrNotStreamable
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.stream != nil {
		return ex.stream, nil
	}

	stream, err := t.openStream(ex.w, ex.sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotStreamable, err)
	}
	c, err := t.attach(ex.sessionID, stream)
	if err != nil {
		return nil, err
	}
	ex.stream = &StreamingResponse{t: t, client: c}
	t.logger.Debug("response upgraded to stream", "session_id", ex.sessionID)
	return ex.stream, nil
}

// SessionID returns the session the stream belongs to.
func (s *StreamingResponse) SessionID() string {
	return s.client.sessionID
}

// Send writes an intermediate event.
func (s *StreamingResponse) Send(event string, msg any) error {
	if s.completed.Load() {
		return ErrStreamClosed
	}
	return s.t.writeStreaming(s.client, event, msg)
}

// Complete writes the terminal message and closes the stream after a short
// delay so the final bytes can drain.
func (s *StreamingResponse) Complete(msg any) error {
	if !s.completed.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}
	err := s.t.writeStreaming(s.client, "message", msg)
	s.t.closeAfterDelay(s.client)
	return err
}

// SendStreamingMessage writes an event of the given type to a session's
// stream.
func (t *StreamableHTTP) SendStreamingMessage(sessionID, event string, msg any) error {
	c, err := t.currentClient(sessionID)
	if err != nil {
		return err
	}
	return t.writeStreaming(c, event, msg)
}

// CompleteStreamingResponse writes the terminal message to a session's
// stream and closes it after a short delay.
func (t *StreamableHTTP) CompleteStreamingResponse(sessionID string, msg any) error {
	c, err := t.currentClient(sessionID)
	if err != nil {
		return err
	}
	err = t.writeStreaming(c, "message", msg)
	t.closeAfterDelay(c)
	return err
}

func (t *StreamableHTTP) currentClient(sessionID string) (*sseClient, error) {
	var c *sseClient
	var ok bool
	t.adapter.Synchronize(func() {
		c, ok = t.clients.Load(sessionID)
	})
	if !ok {
		return nil, ErrSessionNotConnected
	}
	return c, nil
}

func (t *StreamableHTTP) writeStreaming(c *sseClient, event string, msg any) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	frame := formatEvent(event, data)

	t.adapter.Synchronize(func() {
		err = t.writeLocked(c, frame)
	})
	if errors.Is(err, errStaleClient) {
		return ErrStreamClosed
	}
	if err != nil {
		t.streamDropped(c, "write failed", err)
	}
	return err
}

func (t *StreamableHTTP) closeAfterDelay(c *sseClient) {
	t.adapter.Go(func(ctx context.Context) {
		// Shutdown closes the stream itself if it interrupts the delay.
		if err := t.adapter.Sleep(ctx, streamCompleteDelay); err != nil {
			return
		}
		t.detach(c, "completed")
	})
}

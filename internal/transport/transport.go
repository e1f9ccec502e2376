// ABOUTME: Transport contract shared by MCP transports plus the handler and decorator seams
// ABOUTME: Also holds protocol-version validation for the MCP-Protocol-Version header

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ProtocolVersion is the only MCP protocol revision this transport speaks.
const ProtocolVersion = "2025-06-18"

// Header names
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	headerAltSessionID    = "X-Session-Id"
	headerLastEventID     = "Last-Event-ID"
)

// Transport errors
var (
	ErrUnsupportedVersion  = errors.New("unsupported protocol version")
	ErrNotRunning          = errors.New("transport is not running")
	ErrSessionNotConnected = errors.New("session has no open stream")
	ErrStreamClosed        = errors.New("stream closed")
	ErrNotStreamable       = errors.New("request cannot be upgraded to a stream")
)

// Transport is the lifecycle every MCP transport provides.
type Transport interface {
	// Start begins serving. It returns once the listener is bound.
	Start(ctx context.Context) error
	// Stop closes every stream and clears all session state before returning.
	Stop(ctx context.Context) error
	// SendMessage pushes msg to one session's stream, or to every stream when
	// sessionID is empty.
	SendMessage(ctx context.Context, msg any, sessionID string) error
}

// ValidateProtocolVersion accepts an absent header or the supported version.
func ValidateProtocolVersion(v string) error {
	if v == "" || v == ProtocolVersion {
		return nil
	}
	return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedVersion, v, ProtocolVersion)
}

// Handler processes one JSON-RPC message. A nil or empty result means there
// is nothing to send back.
//
// headers has lowercased names, multiple values joined with ", ", and always
// includes mcp-session-id.
type Handler interface {
	HandleRequest(ctx context.Context, body []byte, headers map[string]string) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte, headers map[string]string) ([]byte, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, body []byte, headers map[string]string) ([]byte, error) {
	return f(ctx, body, headers)
}

// Endpoint handles requests that have already been routed: a POST carrying a
// JSON-RPC message, or a GET opening an SSE stream.
type Endpoint interface {
	HandleMCPRequest(w http.ResponseWriter, r *http.Request)
	HandleSSEStream(w http.ResponseWriter, r *http.Request)
}

// Decorator wraps an Endpoint, typically to authorize before delegating.
type Decorator func(next Endpoint) Endpoint

// RouteMounter is implemented by components that serve extra routes next to
// the MCP path, such as discovery documents.
type RouteMounter interface {
	MountRoutes(r chi.Router)
}

// EndpointFuncs builds an Endpoint from two functions.
type EndpointFuncs struct {
	MCP func(w http.ResponseWriter, r *http.Request)
	SSE func(w http.ResponseWriter, r *http.Request)
}

// HandleMCPRequest calls e.MCP.
func (e EndpointFuncs) HandleMCPRequest(w http.ResponseWriter, r *http.Request) {
	e.MCP(w, r)
}

// HandleSSEStream calls e.SSE.
func (e EndpointFuncs) HandleSSEStream(w http.ResponseWriter, r *http.Request) {
	e.SSE(w, r)
}

func decorate(base Endpoint, decorators []Decorator) Endpoint {
	ep := base
	for i := len(decorators) - 1; i >= 0; i-- {
		ep = decorators[i](ep)
	}
	return ep
}

// ABOUTME: OAuth decorator for the MCP endpoint: per-method scope checks and identity propagation
// ABOUTME: Also mounts the protected resource metadata route next to the MCP path

package oauth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-mcp/internal/auth"
	"github.com/2389/coven-mcp/internal/transport"
)

// ScopeMap assigns required scopes to JSON-RPC methods.
type ScopeMap struct {
	Tools     string
	Resources string
	Admin     string
	// Public lists methods that need a valid token but no scope. Entries
	// ending in "/" match by prefix.
	Public []string
}

// DefaultScopeMap returns the stock method-to-scope mapping.
func DefaultScopeMap() ScopeMap {
	return ScopeMap{
		Tools:     "mcp:tools",
		Resources: "mcp:resources",
		Admin:     "mcp:admin",
		Public:    []string{"initialize", "ping"},
	}
}

// RequiredScope returns the scope method needs, or "" for none.
func (m ScopeMap) RequiredScope(method string) string {
	for _, p := range m.Public {
		if method == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(method, p)) {
			return ""
		}
	}
	switch {
	case strings.HasPrefix(method, "tools/"):
		return m.Tools
	case strings.HasPrefix(method, "resources/"):
		return m.Resources
	default:
		return m.Admin
	}
}

// Scopes returns every distinct scope the map can require.
func (m ScopeMap) Scopes() []string {
	var out []string
	for _, s := range []string{m.Tools, m.Resources, m.Admin} {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Decorator guards a transport endpoint with a ResourceServer.
type Decorator struct {
	rs     *ResourceServer
	scopes ScopeMap
	logger *slog.Logger
}

var _ transport.RouteMounter = (*Decorator)(nil)

// NewDecorator creates a Decorator. Pass Decorate to the transport's
// Decorators and the Decorator itself to its Routes.
func NewDecorator(rs *ResourceServer, scopes ScopeMap, logger *slog.Logger) *Decorator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decorator{rs: rs, scopes: scopes, logger: logger.With("component", "oauth")}
}

// Decorate wraps next. POSTs need the scope their method maps to; opening a
// stream needs only a valid token.
func (d *Decorator) Decorate(next transport.Endpoint) transport.Endpoint {
	return transport.EndpointFuncs{
		MCP: func(w http.ResponseWriter, r *http.Request) {
			method := transport.PeekMethod(r)
			var required []string
			if scope := d.scopes.RequiredScope(method); scope != "" {
				required = []string{scope}
			}
			d.guard(w, r, method, required, next.HandleMCPRequest)
		},
		SSE: func(w http.ResponseWriter, r *http.Request) {
			d.guard(w, r, "", nil, next.HandleSSEStream)
		},
	}
}

func (d *Decorator) guard(w http.ResponseWriter, r *http.Request, method string, scopes []string, serve http.HandlerFunc) {
	info, err := d.rs.AuthorizeRequest(r, scopes...)
	if err != nil {
		oe := AsError(err)
		d.logger.Warn("authorization failed",
			"method", method,
			"code", oe.Code,
			"status", oe.Status,
			"remote", r.RemoteAddr,
			"error", errors.Unwrap(oe),
		)
		transport.Publish(r.Context(), transport.Event{
			Type:   transport.EventAuthFailed,
			Method: method,
			Status: oe.Status,
			Reason: oe.Code,
			Remote: clientHost(r),
		})
		d.rs.WriteError(w, oe)
		return
	}

	auth.PropagateHeaders(r.Header, info)
	serve(w, r.WithContext(auth.WithToken(r.Context(), info)))
}

// MountRoutes serves the metadata document on GET only.
func (d *Decorator) MountRoutes(r chi.Router) {
	r.Get(MetadataPath, d.rs.ServeMetadata)
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

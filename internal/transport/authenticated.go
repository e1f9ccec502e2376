// ABOUTME: Static bearer token decorator for the MCP endpoint
// ABOUTME: Rejects with 401, a JSON-RPC shaped body and WWW-Authenticate before delegating

package transport

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/coven-mcp/internal/auth"
)

// Authenticated requires a static bearer token on both POST and SSE requests.
// The matched token's identity is put in the request context and the
// X-Mcp-Auth-* headers.
func Authenticated(tokens *auth.StaticTokens, logger *slog.Logger) Decorator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next Endpoint) Endpoint {
		gate := func(serve func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
			return func(w http.ResponseWriter, r *http.Request) {
				token, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
				var info *auth.TokenInfo
				if err == nil {
					info, err = tokens.Authenticate(token)
				}
				if err != nil {
					reason := "invalid_token"
					if errors.Is(err, auth.ErrMissingToken) {
						reason = "missing_token"
					}
					logger.Warn("authentication failed", "reason", reason, "remote", r.RemoteAddr)
					Publish(r.Context(), Event{
						Type:   EventAuthFailed,
						Reason: reason,
						Status: http.StatusUnauthorized,
						Remote: remoteHost(r),
					})
					w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
					WriteError(w, http.StatusUnauthorized, nil, CodeServerError, "Unauthorized")
					return
				}

				auth.PropagateHeaders(r.Header, info)
				serve(w, r.WithContext(auth.WithToken(r.Context(), info)))
			}
		}
		return EndpointFuncs{
			MCP: gate(next.HandleMCPRequest),
			SSE: gate(next.HandleSSEStream),
		}
	}
}

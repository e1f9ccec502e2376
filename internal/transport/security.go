// ABOUTME: Pre-routing security gate: client IP allow-list, Origin/Referer hostname check, protocol version
// ABOUTME: Origin matching backs both DNS-rebinding protection and the CORS origin policy

package transport

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/2389/coven-mcp/internal/auth"
)

// Default allow-lists
var (
	DefaultAllowedIPs     = []string{"127.0.0.0/8", "::1/128"}
	DefaultAllowedOrigins = []string{"localhost", "127.0.0.1", "::1"}
)

// ipAllowList matches client addresses against prefixes. A nil list allows
// everything.
type ipAllowList struct {
	prefixes []netip.Prefix
}

func parseIPAllowList(entries []string) (*ipAllowList, error) {
	l := &ipAllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "*" {
			return nil, nil
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed ip %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed ip %q: %w", e, err)
		}
		a = a.WithZone("")
		l.prefixes = append(l.prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return l, nil
}

func (l *ipAllowList) allows(host string) bool {
	if l == nil {
		return true
	}
	a, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false
	}
	a = a.WithZone("").Unmap()
	for _, p := range l.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// originAllowList matches hostnames exactly, by "*.suffix" pattern, or "*"
// for any.
type originAllowList struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

func newOriginAllowList(entries []string) *originAllowList {
	l := &originAllowList{exact: make(map[string]struct{})}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "":
		case e == "*":
			l.any = true
		case strings.HasPrefix(e, "*."):
			l.suffixes = append(l.suffixes, e[1:])
		default:
			l.exact[strings.Trim(e, "[]")] = struct{}{}
		}
	}
	return l
}

func (l *originAllowList) allowsHost(host string) bool {
	if l.any {
		return true
	}
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, s := range l.suffixes {
		if strings.HasSuffix(host, s) && len(host) > len(s) {
			return true
		}
	}
	return false
}

// allowsOrigin checks an Origin or Referer value.
func (l *originAllowList) allowsOrigin(origin string) bool {
	return l.allowsHost(originHostname(origin))
}

// originHostname extracts the lowercased hostname from an Origin or Referer
// value. It tolerates a missing scheme and bracketed IPv6 literals.
func originHostname(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	if u, err := url.Parse(v); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}

	// url.Parse rejects some malformed values a browser would never send but
	// a proxy might; fall back to slicing the authority by hand.
	rest := v[strings.Index(v, "://")+3:]
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if strings.HasPrefix(rest, "[") {
		if i := strings.Index(rest, "]"); i > 0 {
			return strings.ToLower(rest[1:i])
		}
		return ""
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 && strings.Count(rest, ":") == 1 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}

// securityGate rejects requests before routing.
func (t *StreamableHTTP) securityGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote := remoteHost(r)
		if !t.allowedIPs.allows(remote) {
			t.reject(w, r, http.StatusForbidden, CodeServerError, "Forbidden: client address not allowed", "ip")
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" && !t.allowedOrigins.allowsOrigin(origin) {
			t.reject(w, r, http.StatusForbidden, CodeServerError, "Forbidden: origin not allowed", "origin")
			return
		}

		if err := ValidateProtocolVersion(r.Header.Get(HeaderProtocolVersion)); err != nil {
			t.reject(w, r, http.StatusBadRequest, CodeServerError, "Bad Request: "+err.Error(), "protocol_version")
			return
		}

		// Only a decorator may set the identity headers.
		auth.StripIdentityHeaders(r.Header)
		next.ServeHTTP(w, r)
	})
}

func (t *StreamableHTTP) reject(w http.ResponseWriter, r *http.Request, status, code int, message, reason string) {
	t.logger.Warn("request rejected",
		"reason", reason,
		"remote", r.RemoteAddr,
		"origin", r.Header.Get("Origin"),
		"method", r.Method,
	)
	Publish(r.Context(), Event{
		Type:   EventRejected,
		Reason: reason,
		Status: status,
		Remote: remoteHost(r),
	})
	WriteError(w, status, nil, code, message)
}

// ABOUTME: Bearer token extraction from the Authorization header (RFC 6750 token68)
// ABOUTME: Copies validated identity into X-Mcp-Auth-* headers for downstream handlers

package auth

import (
	"net/http"
	"regexp"
	"strings"
)

// Identity headers set on requests after successful authorization.
const (
	HeaderSubject  = "X-Mcp-Auth-Subject"
	HeaderScopes   = "X-Mcp-Auth-Scopes"
	HeaderClientID = "X-Mcp-Auth-Client-Id"
)

const bearerPrefix = "Bearer "

var token68 = regexp.MustCompile(`^[A-Za-z0-9\-._~+/]+=*$`)

// ExtractBearerToken returns the token from an Authorization header value.
// The prefix is matched case-sensitively and the token must be token68.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingToken
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrMalformedToken
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if !token68.MatchString(token) {
		return "", ErrMalformedToken
	}
	return token, nil
}

// StripIdentityHeaders removes identity headers a client may have forged.
func StripIdentityHeaders(h http.Header) {
	h.Del(HeaderSubject)
	h.Del(HeaderScopes)
	h.Del(HeaderClientID)
}

// PropagateHeaders replaces the identity headers with info's values.
func PropagateHeaders(h http.Header, info *TokenInfo) {
	StripIdentityHeaders(h)
	if info == nil {
		return
	}
	if info.Subject != "" {
		h.Set(HeaderSubject, info.Subject)
	}
	if len(info.Scopes) > 0 {
		h.Set(HeaderScopes, info.ScopeString())
	}
	if info.ClientID != "" {
		h.Set(HeaderClientID, info.ClientID)
	}
}

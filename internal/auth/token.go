// ABOUTME: TokenInfo projection of a validated bearer token and the auth error sentinels
// ABOUTME: Scope parsing accepts space-delimited strings or arrays under scope or scp

package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrMissingToken         = errors.New("missing bearer token")
	ErrMalformedToken       = errors.New("malformed token")
	ErrInvalidToken         = errors.New("invalid token")
	ErrExpiredToken         = errors.New("token expired")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrInvalidIssuer        = errors.New("invalid issuer")
	ErrInvalidAudience      = errors.New("invalid audience")
	ErrSubjectNotAllowed    = errors.New("subject not allowed")
	ErrInsufficientScope    = errors.New("insufficient scope")
	ErrNoOpaqueValidator    = errors.New("opaque token without validator")
	ErrIntrospection        = errors.New("token introspection failed")
)

// TokenInfo is what the rest of the server knows about a validated token.
// It is recomputed on every request and never persisted.
type TokenInfo struct {
	Subject   string
	Scopes    []string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time // zero when the token carries no exp
	ClientID  string

	// Claims is the raw claim set for JWTs, nil for other token kinds.
	Claims jwt.MapClaims
}

// HasScope reports whether the token grants scope.
func (t *TokenInfo) HasScope(scope string) bool {
	if t == nil {
		return false
	}
	return slices.Contains(t.Scopes, scope)
}

// MissingScopes returns the required scopes the token does not grant.
func (t *TokenInfo) MissingScopes(required []string) []string {
	var missing []string
	for _, s := range required {
		if s != "" && !t.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// HasAudience reports whether aud is one of the token's audiences.
func (t *TokenInfo) HasAudience(aud string) bool {
	if t == nil {
		return false
	}
	return slices.Contains(t.Audience, aud)
}

// ScopeString renders the scopes in OAuth's space-delimited form.
func (t *TokenInfo) ScopeString() string {
	if t == nil {
		return ""
	}
	return strings.Join(t.Scopes, " ")
}

// Expired reports whether the token expired before now, allowing skew.
func (t *TokenInfo) Expired(now time.Time, skew time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt.Add(skew))
}

// ParseScopes splits a space-delimited scope string, dropping duplicates.
func ParseScopes(s string) []string {
	return dedupe(strings.Fields(s))
}

func tokenInfoFromClaims(claims jwt.MapClaims) *TokenInfo {
	info := &TokenInfo{Claims: claims}
	info.Subject, _ = claims.GetSubject()
	info.Issuer, _ = claims.GetIssuer()
	if aud, err := claims.GetAudience(); err == nil {
		info.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	info.Scopes = scopesFromClaims(claims)
	for _, key := range []string{"client_id", "azp", "cid"} {
		if v, ok := claims[key].(string); ok && v != "" {
			info.ClientID = v
			break
		}
	}
	return info
}

func scopesFromClaims(claims jwt.MapClaims) []string {
	var scopes []string
	for _, key := range []string{"scope", "scp"} {
		switch v := claims[key].(type) {
		case string:
			scopes = append(scopes, strings.Fields(v)...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					scopes = append(scopes, strings.Fields(s)...)
				}
			}
		case []string:
			scopes = append(scopes, v...)
		}
	}
	return dedupe(scopes)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

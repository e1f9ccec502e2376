// ABOUTME: RFC 7662 token introspection client used as the opaque token validator
// ABOUTME: Active results are cached by token digest and never outlive the token's exp

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/karlseguin/ccache/v3"
)

// Introspection defaults
const (
	DefaultIntrospectionCacheTTL  = 5 * time.Minute
	DefaultIntrospectionCacheSize = 1000
	maxIntrospectionResponse      = 64 << 10
)

// IntrospectorConfig configures an Introspector.
type IntrospectorConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string

	// CacheTTL of zero means DefaultIntrospectionCacheTTL; negative disables
	// caching.
	CacheTTL  time.Duration
	CacheSize int64

	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Introspector asks an authorization server whether an opaque token is active.
type Introspector struct {
	endpoint     string
	clientID     string
	clientSecret string
	ttl          time.Duration
	client       *http.Client
	clock        clockwork.Clock
	cache        *ccache.Cache[cachedIntrospection]
}

type cachedIntrospection struct {
	info    *TokenInfo
	expires time.Time
}

var _ OpaqueValidator = (*Introspector)(nil)

// introspectionResponse is the RFC 7662 section 2.2 response body.
type introspectionResponse struct {
	Active    bool             `json:"active"`
	Scope     string           `json:"scope"`
	ClientID  string           `json:"client_id"`
	Username  string           `json:"username"`
	Subject   string           `json:"sub"`
	Audience  jwt.ClaimStrings `json:"aud"`
	Issuer    string           `json:"iss"`
	ExpiresAt int64            `json:"exp"`
}

// NewIntrospector creates an introspection client.
func NewIntrospector(cfg IntrospectorConfig) (*Introspector, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid introspection endpoint %q", cfg.Endpoint)
	}

	in := &Introspector{
		endpoint:     cfg.Endpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		ttl:          cfg.CacheTTL,
		client:       cfg.HTTPClient,
		clock:        cfg.Clock,
	}
	if in.ttl == 0 {
		in.ttl = DefaultIntrospectionCacheTTL
	}
	if in.client == nil {
		in.client = &http.Client{Timeout: 10 * time.Second}
	}
	if in.clock == nil {
		in.clock = clockwork.NewRealClock()
	}
	if in.ttl > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = DefaultIntrospectionCacheSize
		}
		in.cache = ccache.New(ccache.Configure[cachedIntrospection]().MaxSize(size))
	}
	return in, nil
}

// Close stops the cache's background worker.
func (in *Introspector) Close() {
	if in.cache != nil {
		in.cache.Stop()
	}
}

// Introspect resolves token, consulting the cache first.
func (in *Introspector) Introspect(ctx context.Context, token string) (*TokenInfo, error) {
	key := tokenDigest(token)
	now := in.clock.Now()

	if in.cache != nil {
		if item := in.cache.Get(key); item != nil {
			if entry := item.Value(); now.Before(entry.expires) {
				return entry.info, nil
			}
			in.cache.Delete(key)
		}
	}

	info, err := in.fetch(ctx, token)
	if err != nil {
		return nil, err
	}

	if in.cache != nil {
		expires := now.Add(in.ttl)
		if !info.ExpiresAt.IsZero() && info.ExpiresAt.Before(expires) {
			expires = info.ExpiresAt
		}
		if ttl := expires.Sub(now); ttl > 0 {
			in.cache.Set(key, cachedIntrospection{info: info, expires: expires}, ttl)
		}
	}
	return info, nil
}

func (in *Introspector) fetch(ctx context.Context, token string) (*TokenInfo, error) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntrospection, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if in.clientID != "" {
		req.SetBasicAuth(url.QueryEscape(in.clientID), url.QueryEscape(in.clientSecret))
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntrospection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrIntrospection, resp.StatusCode)
	}

	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionResponse)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrIntrospection, err)
	}
	if !body.Active {
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}

	info := &TokenInfo{
		Subject:  body.Subject,
		Scopes:   ParseScopes(body.Scope),
		Issuer:   body.Issuer,
		Audience: body.Audience,
		ClientID: body.ClientID,
	}
	if info.Subject == "" {
		info.Subject = body.Username
	}
	if body.ExpiresAt > 0 {
		info.ExpiresAt = time.Unix(body.ExpiresAt, 0)
	}
	return info, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ABOUTME: Tests for the RFC 7662 introspection client against an httptest server
// ABOUTME: Verifies request shape, response mapping and cache expiry bounded by exp

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type introspectionServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newIntrospectionServer(t *testing.T, exp time.Time) *introspectionServer {
	t.Helper()
	s := &introspectionServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rs-client", user)
		assert.Equal(t, "rs-secret", pass)
		assert.NoError(t, r.ParseForm())

		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("token") {
		case "active-token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"active":    true,
				"scope":     "mcp:tools mcp:read",
				"client_id": "agent-cli",
				"username":  "alice",
				"aud":       []string{testAudience},
				"iss":       "https://issuer.example.com",
				"exp":       exp.Unix(),
			})
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestIntrospector(t *testing.T, endpoint string, clock clockwork.Clock) *Introspector {
	t.Helper()
	in, err := NewIntrospector(IntrospectorConfig{
		Endpoint:     endpoint,
		ClientID:     "rs-client",
		ClientSecret: "rs-secret",
		CacheTTL:     5 * time.Minute,
		Clock:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(in.Close)
	return in
}

func TestIntrospector_ActiveToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := newIntrospectionServer(t, clock.Now().Add(time.Hour))
	in := newTestIntrospector(t, srv.URL, clock)

	info, err := in.Introspect(context.Background(), "active-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Subject)
	assert.Equal(t, []string{"mcp:tools", "mcp:read"}, info.Scopes)
	assert.Equal(t, "agent-cli", info.ClientID)
	assert.Equal(t, []string{testAudience}, info.Audience)
	assert.Equal(t, clock.Now().Add(time.Hour).Unix(), info.ExpiresAt.Unix())

	// Served from cache.
	_, err = in.Introspect(context.Background(), "active-token")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.calls.Load())

	// Cache TTL elapsed.
	clock.Advance(6 * time.Minute)
	_, err = in.Introspect(context.Background(), "active-token")
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestIntrospector_CacheNeverOutlivesExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := newIntrospectionServer(t, clock.Now().Add(time.Minute))
	in := newTestIntrospector(t, srv.URL, clock)

	_, err := in.Introspect(context.Background(), "active-token")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = in.Introspect(context.Background(), "active-token")
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestIntrospector_Failures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := newIntrospectionServer(t, clock.Now().Add(time.Hour))
	in := newTestIntrospector(t, srv.URL, clock)

	_, err := in.Introspect(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = in.Introspect(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrIntrospection)

	// Inactive results are not cached.
	_, _ = in.Introspect(context.Background(), "revoked")
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestIntrospector_BacksValidator(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := newIntrospectionServer(t, clock.Now().Add(time.Hour))
	in := newTestIntrospector(t, srv.URL, clock)

	v := newTestValidator(t, clock, func(c *ValidatorConfig) { c.Opaque = in })
	assert.True(t, v.Validate(context.Background(), "active-token", "mcp:tools"))
	assert.False(t, v.Validate(context.Background(), "active-token", "mcp:admin"))
	assert.False(t, v.Validate(context.Background(), "revoked"))
}

func TestNewIntrospector_RejectsBadEndpoint(t *testing.T) {
	_, err := NewIntrospector(IntrospectorConfig{Endpoint: "not a url"})
	assert.Error(t, err)
}

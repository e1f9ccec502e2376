// ABOUTME: Tests for the OAuth resource server's request authorization and error mapping
// ABOUTME: Covers HTTPS enforcement, audience binding and challenge rendering

package oauth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mcp/internal/auth"
)

func TestAuthorizeRequest(t *testing.T) {
	f := newFixture(t)

	expired, err := f.signer.Sign("alice", []string{"mcp:tools"}, time.Minute)
	require.NoError(t, err)
	wrongAud, err := f.signer.SignClaims(jwt.MapClaims{
		"sub": "alice",
		"aud": "https://other.example.com",
		"exp": f.clock.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	good := f.token(t, "alice", "mcp:read", "mcp:tools")

	// Expire the short token well past the clock skew.
	f.clock.Advance(10 * time.Minute)

	tests := []struct {
		name       string
		header     string
		scopes     []string
		wantStatus int
		wantCode   string
	}{
		{"missing header", "", nil, http.StatusUnauthorized, CodeInvalidRequest},
		{"wrong scheme", "Basic YWxpY2U6cHc=", nil, http.StatusUnauthorized, CodeInvalidRequest},
		{"not token68", "Bearer a b", nil, http.StatusUnauthorized, CodeInvalidRequest},
		{"garbage token", "Bearer not.a.jwt", nil, http.StatusUnauthorized, CodeInvalidToken},
		{"expired", "Bearer " + expired, nil, http.StatusUnauthorized, CodeInvalidToken},
		{"wrong audience", "Bearer " + wrongAud, nil, http.StatusUnauthorized, CodeInvalidToken},
		{"missing scope", "Bearer " + good, []string{"mcp:admin"}, http.StatusForbidden, CodeInsufficientScope},
		{"granted", "Bearer " + good, []string{"mcp:tools"}, 0, ""},
		{"no scope needed", "Bearer " + good, nil, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := bearerRequest(http.MethodPost, "/mcp", "", "")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			info, err := f.rs.AuthorizeRequest(req, tt.scopes...)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "alice", info.Subject)
				return
			}

			assert.Nil(t, info)
			var oe *Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.wantStatus, oe.Status)
			assert.Equal(t, tt.wantCode, oe.Code)
		})
	}
}

func TestInsufficientScopeCarriesRequiredScopes(t *testing.T) {
	f := newFixture(t)
	req := bearerRequest(http.MethodPost, "/mcp", f.token(t, "bob", "mcp:read"), "")

	_, err := f.rs.AuthorizeRequest(req, "mcp:tools")
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, []string{"mcp:tools"}, oe.Scopes)
	assert.ErrorIs(t, err, auth.ErrInsufficientScope)
}

func TestHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		setup  func(*http.Request)
		wantOK bool
	}{
		{
			name:   "plain http rejected",
			mutate: func(c *Config) { c.RequireHTTPS = true },
			setup:  func(r *http.Request) { r.RemoteAddr = "203.0.113.9:443" },
		},
		{
			name:   "tls accepted",
			mutate: func(c *Config) { c.RequireHTTPS = true },
			setup: func(r *http.Request) {
				r.RemoteAddr = "203.0.113.9:443"
				r.TLS = &tls.ConnectionState{}
			},
			wantOK: true,
		},
		{
			name:   "forwarded proto ignored by default",
			mutate: func(c *Config) { c.RequireHTTPS = true },
			setup: func(r *http.Request) {
				r.RemoteAddr = "203.0.113.9:443"
				r.Header.Set("X-Forwarded-Proto", "https")
			},
		},
		{
			name: "forwarded proto trusted",
			mutate: func(c *Config) {
				c.RequireHTTPS = true
				c.TrustForwardedProto = true
			},
			setup: func(r *http.Request) {
				r.RemoteAddr = "203.0.113.9:443"
				r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
			},
			wantOK: true,
		},
		{
			name: "loopback exempt",
			mutate: func(c *Config) {
				c.RequireHTTPS = true
				c.AllowLoopbackHTTP = true
			},
			setup:  func(r *http.Request) { r.RemoteAddr = "[::1]:9000" },
			wantOK: true,
		},
		{
			name:   "loopback not exempt by default",
			mutate: func(c *Config) { c.RequireHTTPS = true },
			setup:  func(r *http.Request) {},
		},
		{
			name:   "http allowed when not required",
			mutate: func(c *Config) {},
			setup:  func(r *http.Request) { r.RemoteAddr = "203.0.113.9:80" },
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			req := bearerRequest(http.MethodPost, "/mcp", f.token(t, "alice"), "")
			tt.setup(req)

			_, err := f.rs.AuthorizeRequest(req)
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			var oe *Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, http.StatusBadRequest, oe.Status)
			assert.Equal(t, CodeInvalidRequest, oe.Code)
		})
	}
}

func TestAudienceBindingOptions(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Audiences = []string{"https://other.example.com", testResource}
	})
	_, err := f.rs.AuthorizeRequest(bearerRequest(http.MethodPost, "/mcp", f.token(t, "alice"), ""))
	assert.NoError(t, err)

	f = newFixture(t, func(c *Config) { c.Audiences = []string{"https://other.example.com"} })
	_, err = f.rs.AuthorizeRequest(bearerRequest(http.MethodPost, "/mcp", f.token(t, "alice"), ""))
	assert.ErrorIs(t, err, auth.ErrInvalidAudience)

	f = newFixture(t, func(c *Config) {
		c.Audiences = []string{"https://other.example.com"}
		c.SkipAudienceCheck = true
	})
	_, err = f.rs.AuthorizeRequest(bearerRequest(http.MethodPost, "/mcp", f.token(t, "alice"), ""))
	assert.NoError(t, err)
}

func TestTokensWithoutAudience(t *testing.T) {
	introspection := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"sub":"svc","scope":"mcp:tools"}`))
	}))
	t.Cleanup(introspection.Close)

	newServer := func(t *testing.T, requireAud bool) (*ResourceServer, *auth.Signer) {
		t.Helper()
		clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
		introspector, err := auth.NewIntrospector(auth.IntrospectorConfig{
			Endpoint: introspection.URL,
			CacheTTL: -1,
			Clock:    clock,
		})
		require.NoError(t, err)
		validator, err := auth.NewValidator(auth.ValidatorConfig{
			Keys:       auth.KeySet{HMAC: testSecret},
			Algorithms: []string{"HS256"},
			Issuer:     testIssuer,
			Opaque:     introspector,
			Clock:      clock,
			Logger:     quietLogger(),
		})
		require.NoError(t, err)
		rs, err := NewResourceServer(Config{
			Verifier:        validator,
			Resource:        testResource,
			RequireAudience: requireAud,
			Logger:          quietLogger(),
		})
		require.NoError(t, err)
		// No WithAudience: tokens carry no aud claim.
		signer, err := auth.NewSigner(testSecret, auth.WithIssuer(testIssuer), auth.WithSignerClock(clock))
		require.NoError(t, err)
		return rs, signer
	}

	tests := []struct {
		name       string
		requireAud bool
		opaque     bool
		wantErr    bool
	}{
		{"jwt without aud", false, false, false},
		{"introspected without aud", false, true, false},
		{"jwt without aud when required", true, false, true},
		{"introspected without aud when required", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, signer := newServer(t, tt.requireAud)
			token := "opaque-token-value"
			if !tt.opaque {
				var err error
				token, err = signer.Sign("alice", []string{"mcp:tools"}, time.Hour)
				require.NoError(t, err)
			}

			info, err := rs.AuthorizeRequest(bearerRequest(http.MethodPost, "/mcp", token, ""), "mcp:tools")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, auth.ErrInvalidAudience)
				assert.Equal(t, CodeInvalidToken, AsError(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, info.Audience)
			assert.True(t, info.HasScope("mcp:tools"))
		})
	}
}

type verifierFunc func(ctx context.Context, token string, scopes ...string) (*auth.TokenInfo, error)

func (f verifierFunc) Verify(ctx context.Context, token string, scopes ...string) (*auth.TokenInfo, error) {
	return f(ctx, token, scopes...)
}

func TestUnexpectedFailuresAreServerErrors(t *testing.T) {
	tests := []struct {
		name     string
		verifier verifierFunc
	}{
		{"introspection outage", func(context.Context, string, ...string) (*auth.TokenInfo, error) {
			return nil, errors.Join(auth.ErrIntrospection, errors.New("connection refused"))
		}},
		{"unknown error", func(context.Context, string, ...string) (*auth.TokenInfo, error) {
			return nil, errors.New("disk on fire")
		}},
		{"nil info", func(context.Context, string, ...string) (*auth.TokenInfo, error) {
			return nil, nil
		}},
		{"panic", func(context.Context, string, ...string) (*auth.TokenInfo, error) {
			panic("verifier bug")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := NewResourceServer(Config{Verifier: tt.verifier, Resource: testResource, Logger: quietLogger()})
			require.NoError(t, err)
			req := bearerRequest(http.MethodPost, "/mcp", "opaque-token", "")

			_, err = rs.AuthorizeRequest(req)
			var oe *Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, http.StatusInternalServerError, oe.Status)
			assert.Equal(t, CodeServerError, oe.Code)
			assert.False(t, rs.HasScope(req, "mcp:tools"))
		})
	}
}

func TestHasScope(t *testing.T) {
	f := newFixture(t)
	req := bearerRequest(http.MethodPost, "/mcp", f.token(t, "alice", "mcp:read"), "")

	assert.True(t, f.rs.HasScope(req, "mcp:read"))
	assert.False(t, f.rs.HasScope(req, "mcp:tools"))
	assert.False(t, f.rs.HasScope(bearerRequest(http.MethodPost, "/mcp", "", ""), "mcp:read"))
}

func TestWriteError(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	f.rs.WriteError(rec, insufficientScope([]string{"mcp:tools"}, nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t,
		`Bearer realm="mcp", error="insufficient_scope", error_description="token lacks required scope", scope="mcp:tools", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
		rec.Header().Get("WWW-Authenticate"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInsufficientScope, body.Error)

	rec = httptest.NewRecorder()
	f.rs.WriteError(rec, errors.New("plain error"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChallengeEscapesQuotes(t *testing.T) {
	e := &Error{Status: http.StatusUnauthorized, Code: CodeInvalidToken, Description: `bad "token"` + "\n"}
	assert.Equal(t, `Bearer error="invalid_token", error_description="bad \"token\" "`, e.Challenge("", ""))
}

func TestNewResourceServerValidation(t *testing.T) {
	v := verifierFunc(func(context.Context, string, ...string) (*auth.TokenInfo, error) { return nil, nil })

	_, err := NewResourceServer(Config{Resource: testResource})
	assert.Error(t, err, "verifier required")

	for _, resource := range []string{"", "mcp.example.com", "/relative", "https://mcp.example.com/#frag"} {
		_, err := NewResourceServer(Config{Verifier: v, Resource: resource})
		assert.Error(t, err, resource)
	}

	rs, err := NewResourceServer(Config{Verifier: v, Resource: "https://mcp.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/.well-known/oauth-protected-resource", rs.MetadataURL())
	assert.Equal(t, DefaultRealm, rs.Realm())
}

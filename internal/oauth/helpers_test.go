// ABOUTME: Shared fixtures for OAuth tests: a fake-clock validator, a signer and request builders
// ABOUTME: Tokens are HS256 and bound to the test resource by default

package oauth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mcp/internal/auth"
)

const (
	testResource = "https://mcp.example.com"
	testIssuer   = "https://login.example.com"
)

var testSecret = []byte("oauth-test-secret-at-least-32-by")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	clock  clockwork.FakeClock
	signer *auth.Signer
	rs     *ResourceServer
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		Keys:       auth.KeySet{HMAC: testSecret},
		Algorithms: []string{"HS256"},
		Issuer:     testIssuer,
		Clock:      clock,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	signer, err := auth.NewSigner(testSecret,
		auth.WithIssuer(testIssuer),
		auth.WithAudience(testResource),
		auth.WithSignerClock(clock),
	)
	require.NoError(t, err)

	cfg := Config{
		Verifier:             validator,
		Resource:             testResource,
		AuthorizationServers: []string{testIssuer},
		ScopesSupported:      DefaultScopeMap().Scopes(),
		Logger:               quietLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	rs, err := NewResourceServer(cfg)
	require.NoError(t, err)

	return &fixture{clock: clock, signer: signer, rs: rs}
}

func (f *fixture) token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := f.signer.Sign(subject, scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func bearerRequest(method, target, token, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

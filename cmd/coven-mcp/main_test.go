// ABOUTME: Tests for the coven-mcp binary: server wiring from config, CLI commands and log output
// ABOUTME: Servers run on httptest listeners without binding the configured address

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mcp/internal/auth"
	"github.com/2389/coven-mcp/internal/config"
	"github.com/2389/coven-mcp/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	color.NoColor = true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, cfg *config.Config) (*server, *httptest.Server) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	srv, err := buildServer(cfg, quietLogger(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.transport)
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return srv, ts
}

func rpc(t *testing.T, ts *httptest.Server, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const echoCall = `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}},"id":1}`

func TestServerWithStaticTokensJournalAndMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Tokens = []config.TokenConfig{{Name: "ci", Token: "ci-token-value", Scopes: []string{"mcp:tools"}}}
	cfg.Database.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Metrics.Enabled = true
	srv, ts := startTestServer(t, cfg)
	assert.Equal(t, "static (1 tokens)", srv.authMode)

	resp := rpc(t, ts, "", echoCall)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = rpc(t, ts, "ci-token-value", echoCall)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"content":[{"type":"text","text":"hi"}]},"id":1}`, string(body))

	require.Eventually(t, func() bool {
		scrape, err := ts.Client().Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer scrape.Body.Close()
		out, _ := io.ReadAll(scrape.Body)
		return strings.Contains(string(out), `coven_mcp_requests_total{method="tools/call",status="200"} 1`)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, srv.transport.Stop(context.Background()))
	events, err := srv.journal.ListEvents(context.Background(), store.ListEventsParams{Type: "request"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "tools/call", events[0].Method)
	assert.Equal(t, "ci", events[0].Subject)

	authFailures, err := srv.journal.ListEvents(context.Background(), store.ListEventsParams{Type: "auth_failed"})
	require.NoError(t, err)
	assert.Len(t, authFailures, 1)
}

func TestServerWithOAuth(t *testing.T) {
	cfg := config.Default()
	cfg.OAuth.Enabled = true
	cfg.OAuth.Resource = "https://mcp.example.com"
	cfg.OAuth.AuthorizationServers = []string{"https://auth.example.com"}
	cfg.Auth.JWT.HMACSecret = testSecret
	cfg.Auth.JWT.Issuer = "https://auth.example.com"
	srv, ts := startTestServer(t, cfg)
	assert.Equal(t, "oauth", srv.authMode)

	signer, err := auth.NewSigner([]byte(testSecret),
		auth.WithIssuer("https://auth.example.com"),
		auth.WithAudience("https://mcp.example.com"))
	require.NoError(t, err)

	t.Run("missing token is challenged", func(t *testing.T) {
		resp := rpc(t, ts, "", echoCall)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"),
			`resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`)
	})

	t.Run("scoped token calls tools", func(t *testing.T) {
		token, err := signer.Sign("alice", []string{"mcp:tools"}, time.Hour)
		require.NoError(t, err)
		resp := rpc(t, ts, token, echoCall)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("token without tools scope is refused", func(t *testing.T) {
		token, err := signer.Sign("bob", []string{"mcp:resources"}, time.Hour)
		require.NoError(t, err)
		resp := rpc(t, ts, token, echoCall)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="insufficient_scope"`)
	})

	t.Run("metadata document", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/.well-known/oauth-protected-resource")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var doc map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		assert.Equal(t, "https://mcp.example.com", doc["resource"])
		assert.ElementsMatch(t, []any{"mcp:tools", "mcp:resources", "mcp:admin"}, doc["scopes_supported"])
	})
}

func TestBuildServerErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"unknown concurrency model", func(c *config.Config) { c.Concurrency.Model = "green" }, "green"},
		{"missing public key file", func(c *config.Config) {
			c.OAuth.Enabled = true
			c.OAuth.Resource = "https://mcp.example.com"
			c.Auth.JWT.PublicKeys = []config.KeyFileEntry{{Path: "/nonexistent/key.pem"}}
		}, "loading public key"},
		{"bad introspection endpoint", func(c *config.Config) {
			c.OAuth.Enabled = true
			c.OAuth.Resource = "https://mcp.example.com"
			c.Auth.Introspection.Endpoint = "not a url"
		}, "creating introspector"},
		{"invalid token hash", func(c *config.Config) {
			c.Auth.Tokens = []config.TokenConfig{{Name: "ops", Hash: "not-bcrypt"}}
		}, `adding token "ops"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := buildServer(cfg, quietLogger(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), append([]string{"coven-mcp"}, args...))
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	path := writeConfigFile(t, `
auth:
  jwt:
    hmac_secret: "`+testSecret+`"
    issuer: "https://auth.example.com"
oauth:
  resource: "https://mcp.example.com/"
`)

	out, err := runApp(t, "--config", path, "token", "--sub", "alice", "--scopes", "mcp:tools,mcp:admin", "--ttl", "10m")
	require.NoError(t, err)
	token := strings.TrimSpace(out)

	v, err := auth.NewValidator(auth.ValidatorConfig{
		Keys:     auth.KeySet{HMAC: []byte(testSecret)},
		Issuer:   "https://auth.example.com",
		Audience: "https://mcp.example.com",
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	info, err := v.Verify(context.Background(), token, "mcp:tools")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Subject)
	assert.True(t, info.HasScope("mcp:admin"))

	_, err = runApp(t, "--config", writeConfigFile(t, ""), "token", "--sub", "alice")
	assert.ErrorContains(t, err, "hmac_secret is not configured")
}

func TestHashTokenCommand(t *testing.T) {
	out, err := runApp(t, "hash-token", "s3cret")
	require.NoError(t, err)

	tokens := auth.NewStaticTokens()
	require.NoError(t, tokens.Add(auth.StaticToken{Name: "x", Hash: strings.TrimSpace(out)}))
	_, err = tokens.Authenticate("s3cret")
	assert.NoError(t, err)

	_, err = runApp(t, "hash-token")
	assert.Error(t, err)
}

func TestEventsCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	journal, err := store.NewSQLiteStore(dbPath, quietLogger())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, journal.SaveEvent(context.Background(), &store.JournalEvent{
		Type: "session_created", OccurredAt: now.Add(-time.Minute), SessionID: "0123456789abcdef0123456789abcdef",
	}))
	require.NoError(t, journal.SaveEvent(context.Background(), &store.JournalEvent{
		Type: "request", OccurredAt: now, SessionID: "0123456789abcdef0123456789abcdef",
		Method: "tools/call", Status: 200, Subject: "ci", Duration: 3 * time.Millisecond,
	}))
	require.NoError(t, journal.Close())

	path := writeConfigFile(t, "database:\n  path: \""+dbPath+"\"\n")

	out, err := runApp(t, "--config", path, "events")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "TYPE")
	assert.Contains(t, lines[1], "request")
	assert.Contains(t, lines[1], "01234567")
	assert.Contains(t, lines[1], "sub=ci 3ms")
	assert.Contains(t, lines[2], "session_created")

	out, err = runApp(t, "--config", path, "events", "--type", "request", "--limit", "5")
	require.NoError(t, err)
	assert.NotContains(t, out, "session_created")

	out, err = runApp(t, "--config", path, "events", "--type", "auth_failed")
	require.NoError(t, err)
	assert.Equal(t, "no events\n", out)

	_, err = runApp(t, "--config", writeConfigFile(t, ""), "events")
	assert.ErrorContains(t, err, "journal is disabled")
}

func TestHealthCommand(t *testing.T) {
	cfg := config.Default()
	_, ts := startTestServer(t, cfg)

	path := writeConfigFile(t, "server:\n  addr: \""+strings.TrimPrefix(ts.URL, "http://")+"\"\n")
	out, err := runApp(t, "--config", path, "health")
	require.NoError(t, err)
	assert.Equal(t, "healthy (protocol 2025-06-18, 0 sessions, 0 streams)\n", out)
}

func TestDialAddr(t *testing.T) {
	tests := map[string]string{
		":8080":          "127.0.0.1:8080",
		"0.0.0.0:8080":   "127.0.0.1:8080",
		"[::]:8080":      "[::1]:8080",
		"10.1.2.3:8080":  "10.1.2.3:8080",
		"localhost:9000": "localhost:9000",
	}
	for in, want := range tests {
		assert.Equal(t, want, dialAddr(in), in)
	}
}

func TestColorHandler(t *testing.T) {
	var out bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &out)

	logger.With("component", "transport").WithGroup("req").Info("listening", "addr", "127.0.0.1:8080")
	logger.Debug("tick")
	logger.Error("boom", slog.Group("err", slog.String("kind", "io")))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "INF listening")
	assert.Contains(t, lines[0], "req.component=transport")
	assert.Contains(t, lines[0], "req.addr=127.0.0.1:8080")
	assert.Contains(t, lines[1], "DBG tick")
	assert.Contains(t, lines[2], "ERR boom err.kind=io")
}

func TestSetupLoggerLevels(t *testing.T) {
	var out bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &out)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "v", rec["k"])
}

// ABOUTME: Configuration loading and parsing for coven-mcp
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config
// file location.
const EnvConfigPath = "COVEN_MCP_CONFIG"

// Config represents the complete coven-mcp configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" toml:"concurrency"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	OAuth       OAuthConfig       `yaml:"oauth" toml:"oauth"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Tools       ToolsConfig       `yaml:"tools" toml:"tools"`
}

// ServerConfig holds the HTTP listener and transport settings
type ServerConfig struct {
	Addr        string `yaml:"addr" toml:"addr"`
	Path        string `yaml:"path" toml:"path"`
	TLSCertFile string `yaml:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" toml:"tls_key_file"`

	// Nil keeps the transport's loopback-only defaults.
	AllowedIPs     []string `yaml:"allowed_ips" toml:"allowed_ips"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	KeepAlive    Duration `yaml:"keep_alive" toml:"keep_alive"`
	Retry        Duration `yaml:"retry" toml:"retry"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`

	Instructions string `yaml:"instructions" toml:"instructions"`
}

// ConcurrencyConfig selects the scheduling model
type ConcurrencyConfig struct {
	Model string `yaml:"model" toml:"model"`
}

// SessionsConfig holds session expiry settings
type SessionsConfig struct {
	TTL               Duration `yaml:"ttl" toml:"ttl"`
	HousekeepingEvery int      `yaml:"housekeeping_every" toml:"housekeeping_every"`
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	Tokens        []TokenConfig       `yaml:"tokens" toml:"tokens"`
	JWT           JWTConfig           `yaml:"jwt" toml:"jwt"`
	Introspection IntrospectionConfig `yaml:"introspection" toml:"introspection"`
}

// TokenConfig is one static bearer token. Exactly one of Token and Hash is set.
type TokenConfig struct {
	Name   string   `yaml:"name" toml:"name"`
	Token  string   `yaml:"token" toml:"token"`
	Hash   string   `yaml:"hash" toml:"hash"`
	Scopes []string `yaml:"scopes" toml:"scopes"`
}

// JWTConfig holds JWT verification settings
type JWTConfig struct {
	HMACSecret      string         `yaml:"hmac_secret" toml:"hmac_secret"`
	PublicKeys      []KeyFileEntry `yaml:"public_keys" toml:"public_keys"`
	Algorithms      []string       `yaml:"algorithms" toml:"algorithms"`
	Issuer          string         `yaml:"issuer" toml:"issuer"`
	Audience        string         `yaml:"audience" toml:"audience"`
	AllowedSubjects []string       `yaml:"allowed_subjects" toml:"allowed_subjects"`
	ClockSkew       Duration       `yaml:"clock_skew" toml:"clock_skew"`
	RequireExpiry   bool           `yaml:"require_expiry" toml:"require_expiry"`
}

// KeyFileEntry points at a PEM public key, optionally bound to a key id
type KeyFileEntry struct {
	ID   string `yaml:"id" toml:"id"`
	Path string `yaml:"path" toml:"path"`
}

// IntrospectionConfig holds the RFC 7662 client settings for opaque tokens
type IntrospectionConfig struct {
	Endpoint     string   `yaml:"endpoint" toml:"endpoint"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	CacheTTL     Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	CacheSize    int64    `yaml:"cache_size" toml:"cache_size"`
}

// OAuthConfig holds the protected resource settings
type OAuthConfig struct {
	Enabled               bool     `yaml:"enabled" toml:"enabled"`
	Resource              string   `yaml:"resource" toml:"resource"`
	Audiences             []string `yaml:"audiences" toml:"audiences"`
	Realm                 string   `yaml:"realm" toml:"realm"`
	AuthorizationServers  []string `yaml:"authorization_servers" toml:"authorization_servers"`
	ScopesSupported       []string `yaml:"scopes_supported" toml:"scopes_supported"`
	ResourceName          string   `yaml:"resource_name" toml:"resource_name"`
	ResourceDocumentation string   `yaml:"resource_documentation" toml:"resource_documentation"`

	RequireHTTPS        bool `yaml:"require_https" toml:"require_https"`
	TrustForwardedProto bool `yaml:"trust_forwarded_proto" toml:"trust_forwarded_proto"`
	AllowLoopbackHTTP   bool `yaml:"allow_loopback_http" toml:"allow_loopback_http"`
	SkipAudienceCheck   bool `yaml:"skip_audience_check" toml:"skip_audience_check"`
	RequireAudience     bool `yaml:"require_audience" toml:"require_audience"`

	Scopes ScopeMapConfig `yaml:"scopes" toml:"scopes"`
}

// ScopeMapConfig overrides the scope required per method family. Empty
// fields keep the defaults.
type ScopeMapConfig struct {
	Tools     string   `yaml:"tools" toml:"tools"`
	Resources string   `yaml:"resources" toml:"resources"`
	Admin     string   `yaml:"admin" toml:"admin"`
	Public    []string `yaml:"public" toml:"public"`
}

// DatabaseConfig holds the event journal location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Retention prunes events older than this. Zero keeps everything.
	Retention Duration `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ToolsConfig selects the tools the server exposes
type ToolsConfig struct {
	Builtins bool `yaml:"builtins" toml:"builtins"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8080",
			Path:         "/mcp",
			KeepAlive:    Duration(30 * time.Second),
			Retry:        Duration(3 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Concurrency: ConcurrencyConfig{Model: "threaded"},
		Sessions: SessionsConfig{
			TTL:               Duration(time.Hour),
			HousekeepingEvery: 100,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{ClockSkew: Duration(60 * time.Second)},
			Introspection: IntrospectionConfig{
				CacheTTL:  Duration(5 * time.Minute),
				CacheSize: 1000,
			},
		},
		OAuth: OAuthConfig{
			Realm:             "mcp",
			RequireHTTPS:      true,
			AllowLoopbackHTTP: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: "/metrics"},
		Tools:   ToolsConfig{Builtins: true},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config layered over Default. Files ending in .toml are parsed as TOML,
// everything else as YAML. Environment variables in the format ${VAR_NAME}
// are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the validated defaults when path is
// empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Parse decodes config data in the format named by ext (".yaml", ".yml" or
// ".toml") without validating it.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	cfg := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(expanded), cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config file: unknown key %q", undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ResolvePath picks the config file to load. An explicit path wins, then
// COVEN_MCP_CONFIG, then $XDG_CONFIG_HOME/coven/mcp.yaml, then
// ~/.config/coven/mcp.yaml. The XDG and home candidates are only returned
// when the file exists; an empty result means run on defaults.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "coven", "mcp.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coven", "mcp.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", c.Server.Path)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	for name, d := range map[string]Duration{
		"server.keep_alive":    c.Server.KeepAlive,
		"server.retry":         c.Server.Retry,
		"server.write_timeout": c.Server.WriteTimeout,
		"sessions.ttl":         c.Sessions.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Database.Retention < 0 {
		return errors.New("database.retention must not be negative")
	}

	switch c.Concurrency.Model {
	case "", "threaded", "cooperative":
	default:
		return fmt.Errorf("concurrency.model %q must be threaded or cooperative", c.Concurrency.Model)
	}

	if err := c.validateTokens(); err != nil {
		return err
	}
	if err := c.validateOAuth(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}

func (c *Config) validateTokens() error {
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		if t.Name == "" {
			return fmt.Errorf("auth.tokens[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("auth.tokens[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		if (t.Token == "") == (t.Hash == "") {
			return fmt.Errorf("auth.tokens[%d] (%s): exactly one of token and hash is required", i, t.Name)
		}
	}
	return nil
}

func (c *Config) validateOAuth() error {
	if !c.OAuth.Enabled {
		return nil
	}
	if len(c.Auth.Tokens) > 0 {
		return errors.New("auth.tokens and oauth.enabled are mutually exclusive")
	}
	if c.OAuth.Resource == "" {
		return errors.New("oauth.resource is required when oauth is enabled")
	}
	if !c.HasTokenVerification() {
		return errors.New("oauth requires auth.jwt keys or auth.introspection.endpoint")
	}
	if slices.Contains(c.Auth.JWT.Algorithms, "none") {
		return errors.New(`auth.jwt.algorithms must not contain "none"`)
	}
	return nil
}

// HasTokenVerification reports whether JWT keys or an introspection endpoint
// are configured.
func (c *Config) HasTokenVerification() bool {
	return c.Auth.JWT.HMACSecret != "" || len(c.Auth.JWT.PublicKeys) > 0 || c.Auth.Introspection.Endpoint != ""
}

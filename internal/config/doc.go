// Package config handles configuration loading for coven-mcp.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Values missing from the file keep the Default() settings, so an
// empty file (or no file at all) yields a loopback-only server with no auth.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path given with --config
//  2. Path from COVEN_MCP_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/mcp.yaml
//  4. ~/.config/coven/mcp.yaml
//
// A path ending in .toml is parsed as TOML; anything else as YAML. Unknown
// keys are rejected in both formats.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt:
//	    hmac_secret: "${COVEN_MCP_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations accept Go's time.ParseDuration units plus days and weeks:
//
//	sessions:
//	  ttl: "1h"
//	server:
//	  keep_alive: "30s"
//
// # Configuration Sections
//
// Transport:
//
//	server:
//	  addr: "127.0.0.1:8080"
//	  path: "/mcp"
//	  allowed_ips: ["127.0.0.0/8", "10.0.0.0/8"]
//	  allowed_origins: ["localhost", "*.example.com"]
//	  write_timeout: "10s"
//	concurrency:
//	  model: "threaded"   # threaded, cooperative
//
// Static tokens (enables the bearer token gate):
//
//	auth:
//	  tokens:
//	    - name: "ci"
//	      hash: "$2a$10$..."
//	      scopes: ["mcp:tools"]
//
// OAuth protected resource:
//
//	oauth:
//	  enabled: true
//	  resource: "https://mcp.example.com"
//	  authorization_servers: ["https://auth.example.com"]
//	auth:
//	  jwt:
//	    public_keys:
//	      - id: "2025-01"
//	        path: "/etc/coven/jwks/2025-01.pem"
//	    issuer: "https://auth.example.com"
//
// Journal and metrics:
//
//	database:
//	  path: "/var/lib/coven/mcp.db"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.LoadOrDefault(config.ResolvePath(flagPath))
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

// Package auth validates bearer credentials for the MCP endpoint.
//
// # Token Validation
//
// A [Validator] accepts either a JWT or an opaque token:
//
//   - JWTs are verified with github.com/golang-jwt/jwt/v5 against an explicit
//     algorithm allow-list. The "none" algorithm is always refused, even when
//     configured. Standard claims (exp, nbf, iat, iss, aud) are checked with a
//     clock-skew tolerance that defaults to 60 seconds.
//
//   - Opaque tokens are handed to an [OpaqueValidator]. The shipped one is
//     [Introspector], an RFC 7662 client with a short-lived result cache.
//     Without an opaque validator every opaque token is rejected.
//
// Validate never returns an error. It logs why a token was refused and reports
// false. Verify returns the same outcome as a sentinel error so callers such as
// the OAuth resource server can tell an invalid token from a missing scope.
//
// # Static Tokens
//
// [StaticTokens] holds named bearer tokens loaded from config. Tokens may be
// stored as bcrypt hashes so the config file does not carry the secret:
//
//	hash, err := auth.HashToken("s3cret")
//	tokens.Add(auth.StaticToken{Name: "ci", Hash: hash, Scopes: []string{"mcp:tools"}})
//
// # Development Tokens
//
// [Signer] mints HS256 tokens for local testing. It exists so a developer can
// exercise an OAuth-protected endpoint without running an authorization server.
//
// # Request Context
//
// The validated [TokenInfo] travels with the request:
//
//	ctx = auth.WithToken(ctx, info)
//	info := auth.FromContext(ctx) // nil when unauthenticated
//
// Identity is also copied into X-Mcp-Auth-* request headers by
// [PropagateHeaders] so handlers that only see headers can make
// authorization-aware decisions.
package auth

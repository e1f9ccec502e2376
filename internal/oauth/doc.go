// Package oauth authorizes MCP requests carrying OAuth 2.1 bearer tokens.
//
// A [ResourceServer] extracts the bearer token, enforces HTTPS, verifies the
// token through an [auth.Validator] and checks that the token was issued for
// this resource. Failures come back as [*Error] values that know their HTTP
// status, their OAuth error code and how to render a WWW-Authenticate
// challenge.
//
// A [Decorator] wires the resource server into the streamable HTTP transport.
// It maps JSON-RPC methods to required scopes through a [ScopeMap], copies the
// token identity into X-Mcp-Auth-* headers and serves the protected resource
// metadata document at /.well-known/oauth-protected-resource.
//
// This package never issues tokens.
package oauth

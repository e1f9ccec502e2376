// Package mcp is the request handler behind the MCP transport.
//
// # Overview
//
// A [Dispatcher] implements transport.Handler. It decodes one JSON-RPC
// message, answers the protocol methods itself and routes tools/call to a
// [Registry] of [Tool] values:
//
//   - initialize - protocol version, capabilities and server info
//   - ping - empty result
//   - tools/list - tool schemas, filtered by the caller's token scopes
//   - tools/call - runs a tool
//   - notifications/* - accepted, no response
//
// Anything else is answered with JSON-RPC error -32601.
//
// # Tools
//
// Tools are registered on an explicit registry rather than discovered:
//
//	registry := mcp.NewRegistry(logger)
//	if err := registry.Register(mcp.Builtins(clock)...); err != nil {
//		return err
//	}
//	dispatcher := mcp.NewDispatcher(mcp.Config{Registry: registry})
//
// A tool with a RequiredScope is hidden from, and refused to, callers whose
// token lacks that scope. Requests without a token see every tool.
//
// # Streaming
//
// A tool may upgrade its POST into an SSE stream with
// transport.InitiateStreaming and push notifications/progress messages. The
// dispatcher then delivers the final response on that stream instead of the
// POST body. The builtin countdown tool shows the pattern.
package mcp

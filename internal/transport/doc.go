// Package transport implements the MCP streamable HTTP transport.
//
// # Overview
//
// A single path (default /mcp) multiplexes three kinds of traffic:
//
//   - POST carries exactly one JSON-RPC message. Requests get a 200 with the
//     handler's JSON body; notifications get a bare 202. Batches are refused.
//   - GET with Accept: text/event-stream opens a server-to-client SSE stream
//     for the caller's session.
//   - OPTIONS answers CORS preflight.
//
// Anything else is a 405 with a JSON-RPC shaped body.
//
// # Sessions
//
// Every request resolves to a [Session]. The id is taken from Mcp-Session-Id,
// X-Session-Id, the session_id or sessionId query parameter, or Last-Event-ID,
// in that order. Ids must be 32 ASCII letters or digits; anything else is
// discarded and a fresh id is issued. The id is echoed in the Mcp-Session-Id
// response header. Sessions idle longer than the TTL with no open stream are
// purged by housekeeping that runs every Nth request.
//
// # Streams
//
// A session has at most one SSE stream. Opening a second one closes the first.
// Streams are written under the adapter's Synchronize so concurrent senders
// never interleave frames, and every write carries a deadline so one slow
// client cannot hold the lock forever. A failed write drops that client only.
//
// Where the ResponseWriter supports it the connection is hijacked and the
// status line and headers are written by hand. Otherwise (HTTP/2, recorders)
// the stream falls back to flushing through the ResponseWriter.
//
// Each stream gets a keep-alive task that writes an SSE comment every interval.
// That write is how a vanished client is noticed.
//
// # Security Gate
//
// Before routing, requests must come from an allowed client IP (loopback by
// default), carry an allowed Origin or Referer hostname when either is present,
// and, if they send MCP-Protocol-Version, name the supported version.
//
// # Decorators
//
// Authentication is layered on with [Decorator]s wrapping the [Endpoint] that
// handles POST and SSE requests:
//
//	tr, err := transport.New(transport.Config{
//		Handler:    dispatcher,
//		Adapter:    concurrency.New(concurrency.Threaded),
//		Decorators: []transport.Decorator{transport.Authenticated(tokens, logger)},
//	})
//
// Decorators that also serve routes implement [RouteMounter].
package transport

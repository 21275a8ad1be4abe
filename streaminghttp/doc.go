// Package streaminghttp implements the MCP streaming HTTP transport and the
// session lifecycle around it. A Handler mounts as a standard net/http
// handler on a single endpoint and owns every session created through it.
//
// # Routing
//
// Each request is classified by method, the Mcp-Session-Id header and, for
// POST, whether the body is an initialize request (see Classify):
//
//	OPTIONS                      204, CORS headers only
//	POST initialize, no session  authenticate, create session
//	POST/GET/DELETE + known id   forward to the session's Transport
//	unknown or missing id        400
//	anything else                405
//
// Every rejection is a JSON-RPC shaped body with a null id.
//
// # Sessions
//
// Only initialize requests carry credentials that matter. The bearer token
// is resolved into a principal before any session exists; the id is minted
// after the handshake succeeds and the session is registered before the
// response reaches the client. Later requests are authorised by the session
// id alone.
//
// A session's standalone GET stream replays its event log from
// Last-Event-ID, so a client that reconnects sees every notification it
// missed while the log retains it.
//
// # Lifecycle
//
// Run sweeps sessions idle for longer than the idle timeout. Shutdown stops
// the sweep, refuses new sessions and closes all live ones concurrently.
// Serve ties both to a listener:
//
//	reg := memoryregistry.New()
//	h, err := streaminghttp.New("https://api.example/mcp", reg, eng, resolver,
//	    streaminghttp.WithIdleTimeout(30*time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	ln, err := net.Listen("tcp", ":8080")
//	if err != nil {
//	    return err
//	}
//	return h.Serve(ctx, ln)
//
// # Protected Resource Metadata
//
// With WithProtectedResourceMetadata the handler serves the RFC 9728
// document at the well-known location derived from the endpoint and points
// 401 challenges at it.
package streaminghttp

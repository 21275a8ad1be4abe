// Package stdio implements a minimal single-connection MCP transport over
// stdin/stdout. It is intended for running the gateway as a subprocess of a
// local client.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit principal, no bearer token)
//	Sessions         : exactly one, never registered or expired
//	Transport        : newline-delimited JSON-RPC
//
// Example:
//
//	eng := engine.New(catalog)
//	h := stdio.NewHandler(eng, stdio.WithLogger(stderrLogger))
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// Multi-client deployments use the streaming HTTP transport, which adds
// authentication and session lifecycle management.
package stdio

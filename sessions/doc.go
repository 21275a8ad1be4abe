// Package sessions defines the session abstraction owned by the gateway: an
// authenticated principal bound to a transport, plus the registry that tracks
// which session ids are live.
//
// Layers & Roles
//
//	Registry   -> authoritative set of live sessions and their activity times
//	Session    -> snapshot of one registry entry
//	Transport  -> per-session protocol adapter the HTTP handler forwards to
//
// # Lifecycle
//
// A session is inserted once its initialize handshake succeeds. It stays
// active while requests keep touching it. Closing is two-phase: BeginClose
// moves an entry from active to closing so it is no longer routable, the
// transport is closed, and Remove drops the entry. Whichever path gets to
// BeginClose first (client DELETE, idle sweep, shutdown) owns the close.
//
// Implementations
//
//	memoryregistry : mutex-guarded map, the only implementation; sessions are
//	                 bound to in-process transports and cannot outlive them
//	registrytest   : conformance suite for Registry implementations
package sessions

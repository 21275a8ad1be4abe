// Package mcp contains the Model Context Protocol data types and constants
// used by the session gateway: method names, the initialize handshake, tool
// descriptors and results, and progress notifications.
//
// The package is free of transport logic. The streaming HTTP and stdio
// transports import these types and implement their own framing,
// authentication and session handling.
package mcp

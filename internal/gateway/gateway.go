// Package gateway defines the interface shared by toolgate's entry points.
// Every gateway authenticates its caller, builds a security context once per
// session and hands calls to the mediation pipeline.
package gateway

import "context"

// Gateway is a caller-facing surface (HTTP API, MCP stdio server).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

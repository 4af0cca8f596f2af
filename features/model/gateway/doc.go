// Package gateway composes the provider clients of the chat server. A
// Router selects the provider client from the requested model id, a Server
// wraps any client with streaming middleware (logging, metrics, request
// rewriting) and Server.Client exposes the resulting chain as a
// model.Client again.
package gateway

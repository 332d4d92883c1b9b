// Package dispatch delivers one notification to a user over every enabled
// channel in a fixed priority order: chat, then push, then email (gated by the
// user's email mode).
//
// A channel failure is logged and never aborts later channels. Each channel
// call is bounded by its own timeout and outbound rate limit; the caller's
// cancellation does not interrupt a send that has already started.
//
// Queue wraps a Dispatcher with an async worker pool for callers that must
// not block on network I/O.
package dispatch

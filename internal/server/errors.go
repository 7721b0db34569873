// Package server implements the PWMP TCP server: connection admission,
// per-session protocol state machines, request dispatch, and rate
// limiting. Persistent state is reached exclusively through db.Backend.
package server

import "errors"

// Session-terminating protocol errors. Parse and framing failures are
// defined alongside the codec in the proto package; backend failures come
// wrapped from the db package.
var (
	// ErrNotRequest indicates the peer sent a response message.
	ErrNotRequest = errors.New("expected a request, got a response")

	// ErrNotHandshake indicates the first frame of a session was not a
	// handshake.
	ErrNotHandshake = errors.New("expected a handshake request")

	// ErrDuplicateMessage indicates a message id seen within the recent
	// inbound window.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrAuth indicates the peer's MAC is not registered.
	ErrAuth = errors.New("node authentication failed")

	// ErrStallTimeExceeded indicates the peer idled past the stall
	// budget.
	ErrStallTimeExceeded = errors.New("stall time exceeded")

	// ErrTooManyRequests indicates the per-session rate budget was
	// exhausted.
	ErrTooManyRequests = errors.New("too many requests")

	// ErrClientNotAuthenticated indicates an authenticated-only accessor
	// was used before the handshake completed.
	ErrClientNotAuthenticated = errors.New("client is not authenticated")
)

package hub

import "errors"

// Domain errors for the hub transport.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, hub.ErrUnauthorized) {
//	    // device credentials rejected
//	}
var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("hub: not connected")

	// ErrUnauthorized is returned when the hub refuses a connection or a
	// publish because of the client's identity or permissions.
	ErrUnauthorized = errors.New("hub: unauthorized")

	// ErrInvalidToken is returned when an identifier cannot be used as a
	// subject token (empty, or contains '.', '*', '>' or whitespace).
	ErrInvalidToken = errors.New("hub: invalid subject token")

	// ErrHandlerExists is returned when a handler is already registered for
	// an input or method.
	ErrHandlerExists = errors.New("hub: handler already registered")

	// ErrNoResponder is returned by method invocations when nothing is
	// listening on the target subject.
	ErrNoResponder = errors.New("hub: no method responder")
)

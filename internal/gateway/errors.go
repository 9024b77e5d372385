package gateway

import "errors"

// Domain errors for the gateway package.
var (
	// ErrMissingDependency is returned by New when a required collaborator
	// is nil.
	ErrMissingDependency = errors.New("gateway: missing dependency")

	// ErrInvalidIdentity is returned by New when the edge identity is
	// incomplete.
	ErrInvalidIdentity = errors.New("gateway: invalid edge identity")

	// ErrStopped is returned for telemetry that arrives after Stop.
	ErrStopped = errors.New("gateway: stopped")
)

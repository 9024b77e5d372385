package correlation

import "errors"

// Domain errors for the correlation package.
var (
	// ErrTimeout is returned by Wait when no response arrived in time.
	ErrTimeout = errors.New("correlation: response timed out")

	// ErrDuplicateID is returned by Register when the request ID is
	// already in flight. This is an internal consistency failure.
	ErrDuplicateID = errors.New("correlation: duplicate request id")

	// ErrEmptyID is returned by Register for an empty request ID.
	ErrEmptyID = errors.New("correlation: request id cannot be empty")
)

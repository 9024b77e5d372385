package signing

import "errors"

// Domain errors for the signing package.
var (
	// ErrSigningFailed is returned when the workload API cannot produce a
	// signature.
	ErrSigningFailed = errors.New("signing: request failed")

	// ErrInvalidKey is returned for a missing or malformed local key.
	ErrInvalidKey = errors.New("signing: invalid key")

	// ErrUnsupportedScheme is returned for workload URIs other than http,
	// https or unix.
	ErrUnsupportedScheme = errors.New("signing: unsupported workload uri scheme")
)

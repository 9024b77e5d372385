package leaf

import "errors"

// Domain errors for the leaf package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, leaf.ErrDeviceNotFound) {
//	    // unknown device
//	}
var (
	// ErrDeviceNotFound is returned when a device ID has never been seen.
	ErrDeviceNotFound = errors.New("leaf: device not found")

	// ErrInvalidState is returned when an event arrives for a device whose
	// status does not permit it.
	ErrInvalidState = errors.New("leaf: invalid state")
)

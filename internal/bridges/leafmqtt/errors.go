package leafmqtt

import "errors"

// Domain errors for the leafmqtt package.
var (
	// ErrMissingDependency is returned by New when a required option is nil.
	ErrMissingDependency = errors.New("leafmqtt: missing dependency")

	// ErrMissingProperty is returned for a direct method request without
	// a leafDeviceId or method property.
	ErrMissingProperty = errors.New("leafmqtt: missing message property")

	// ErrInvalidResponse is returned for a method response that is not a
	// JSON object carrying a RequestId.
	ErrInvalidResponse = errors.New("leafmqtt: invalid method response")
)

package leaf

// Status is the registration lifecycle state of a leaf device.
//
// Permitted transitions:
//
//	New -> Initialize -> WaitingConfirmation -> Confirmed -> Registered
//	                                                      \-> NotRegistered
type Status string

const (
	// StatusNew is the state of a freshly created record. No registration
	// request has been sent.
	StatusNew Status = "new"

	// StatusInitialize means the registration request is being built and
	// dispatched.
	StatusInitialize Status = "initialize"

	// StatusWaitingConfirmation means the request was sent and the record
	// waits for the hub's confirmation callback.
	StatusWaitingConfirmation Status = "waiting_confirmation"

	// StatusConfirmed means a confirmation arrived and is being processed.
	// A record stays here if the result code is neither success nor
	// rejection.
	StatusConfirmed Status = "confirmed"

	// StatusRegistered means the device owns its own hub client and
	// telemetry is sent directly.
	StatusRegistered Status = "registered"

	// StatusNotRegistered is terminal: the hub refused the device.
	StatusNotRegistered Status = "not_registered"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusNew,
	StatusInitialize,
	StatusWaitingConfirmation,
	StatusConfirmed,
	StatusRegistered,
	StatusNotRegistered,
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// Pending reports whether telemetry for this status may be cached.
func (s Status) Pending() bool {
	return s == StatusInitialize || s == StatusWaitingConfirmation
}

// Outcome classifies a registration confirmation result code.
type Outcome string

const (
	// OutcomeRegistered covers 200 OK and 201 Created.
	OutcomeRegistered Outcome = "registered"

	// OutcomeRejected covers 401 Unauthorized, 403 Forbidden and 404 Not Found.
	OutcomeRejected Outcome = "rejected"

	// OutcomeUnhandled covers every other code. The record stays Confirmed
	// and nothing is retried.
	OutcomeUnhandled Outcome = "unhandled"
)

// Registration result codes reported by the hub.
const (
	ResultOK           = 200
	ResultCreated      = 201
	ResultUnauthorized = 401
	ResultForbidden    = 403
	ResultNotFound     = 404
)

// ClassifyResult maps a confirmation result code to its outcome.
func ClassifyResult(code int) Outcome {
	switch code {
	case ResultOK, ResultCreated:
		return OutcomeRegistered
	case ResultUnauthorized, ResultForbidden, ResultNotFound:
		return OutcomeRejected
	default:
		return OutcomeUnhandled
	}
}

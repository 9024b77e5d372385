package leaf

import (
	"context"
	"fmt"
	"time"
)

// StartRegistration drives a New record through Initialize to
// WaitingConfirmation.
//
// send dispatches the registration request; it runs with the record lock
// held, so a confirmation that races the send waits until the record is in
// WaitingConfirmation. If send fails the record returns to New and the
// next telemetry message starts a fresh attempt.
//
// Parameters:
//   - ctx: Context passed through to send
//   - sourceModuleID: Module that first reported the device
//   - send: Dispatches the registration request
//
// Returns:
//   - bool: true if this call performed the registration start
//   - error: send's error, wrapped
func (r *Record) StartRegistration(ctx context.Context, sourceModuleID string, send func(ctx context.Context) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusNew {
		return false, nil
	}

	r.status = StatusInitialize
	r.sourceModuleID = sourceModuleID

	if err := send(ctx); err != nil {
		r.status = StatusNew
		r.sourceModuleID = ""
		return false, fmt.Errorf("sending registration request for %s: %w", r.id, err)
	}

	r.status = StatusWaitingConfirmation
	return true, nil
}

// Confirmation is the result of processing a registration callback.
type Confirmation struct {
	// Outcome is the classification of the result code.
	Outcome Outcome

	// Flushed is the number of buffered messages sent in the batch.
	Flushed int

	// Discarded is the number of buffered messages dropped because the
	// device was rejected.
	Discarded int

	// FlushErr is the batch send error, if any. The device is Registered
	// regardless; the flushed messages are lost.
	FlushErr error
}

// Confirm applies a registration confirmation callback.
//
// The record must be WaitingConfirmation; anything else returns
// ErrInvalidState and leaves the record unchanged. Otherwise the record
// moves to Confirmed before the code is inspected, then:
//   - 200/201: connect obtains the device transport, the buffer is drained
//     and flushed as one batch in arrival order, status becomes Registered
//   - 401/403/404: status becomes NotRegistered and the buffer is discarded
//   - anything else: status stays Confirmed
//
// The lock is held throughout, so telemetry for this device arriving
// meanwhile is handled after the transition completes.
//
// Returns:
//   - Confirmation: Outcome and flush statistics
//   - error: ErrInvalidState, or connect's error (status stays Confirmed)
func (r *Record) Confirm(ctx context.Context, resultCode int, connect func(ctx context.Context) (Transport, error)) (Confirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusWaitingConfirmation {
		return Confirmation{}, fmt.Errorf("%w: device %s is %s", ErrInvalidState, r.id, r.status)
	}
	r.status = StatusConfirmed

	result := Confirmation{Outcome: ClassifyResult(resultCode)}

	switch result.Outcome {
	case OutcomeRegistered:
		transport, err := connect(ctx)
		if err != nil {
			return result, fmt.Errorf("connecting device %s: %w", r.id, err)
		}
		r.transport = transport
		r.status = StatusRegistered
		r.registeredAt = time.Now().UTC()

		waiting := r.cache.drain()
		result.Flushed = len(waiting)
		if len(waiting) > 0 {
			if err := transport.SendEventBatch(ctx, waiting); err != nil {
				result.FlushErr = fmt.Errorf("flushing %d messages for %s: %w", len(waiting), r.id, err)
			}
		}

	case OutcomeRejected:
		r.status = StatusNotRegistered
		result.Discarded = len(r.cache.drain())

	case OutcomeUnhandled:
		// Stays Confirmed; no retry.
	}

	return result, nil
}

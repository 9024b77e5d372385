package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-identity/internal/correlation"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// InvokeDirectMethod forwards a direct method for a leaf device to the
// translation module and waits for its response.
//
// The wait is three quarters of req.ResponseTimeout (or of the default
// timeout when unset). The correlation entry exists before the request is
// sent, so a response cannot arrive unmatched.
//
// Parameters:
//   - ctx: Cancels the send and the wait
//   - deviceID: Target leaf device, which must be known
//   - req: Method name, payload and caller timeout
//
// Returns:
//   - *hub.MethodResponse: Status 200 with the device's payload
//   - error: leaf.ErrDeviceNotFound (nothing sent), correlation.ErrTimeout,
//     correlation.ErrDuplicateID, or the send error
func (g *Gateway) InvokeDirectMethod(ctx context.Context, deviceID string, req *hub.MethodRequest) (*hub.MethodResponse, error) {
	start := time.Now()

	if _, err := g.registry.Get(deviceID); err != nil {
		g.metrics.DirectMethodCompleted(ResultNotFound, time.Since(start))
		return nil, err
	}

	requestID := uuid.NewString()
	waiter, err := g.calls.Register(requestID)
	if err != nil {
		g.metrics.DirectMethodCompleted(ResultError, time.Since(start))
		return nil, fmt.Errorf("registering direct method %s: %w", req.Name, err)
	}

	msg := message.New(req.Data)
	msg.ID = requestID
	msg.SetProperty(PropertyLeafDeviceID, deviceID)
	msg.SetProperty(PropertyMethod, req.Name)

	if err := g.module.SendEvent(ctx, OutputDirectMethodRequest, msg); err != nil {
		g.calls.Remove(requestID)
		g.metrics.DirectMethodCompleted(ResultError, time.Since(start))
		return nil, fmt.Errorf("sending direct method %s to %s: %w", req.Name, deviceID, err)
	}
	g.logger.Debug("direct method forwarded", "device_id", deviceID, "method", req.Name, "request_id", requestID)

	resp, err := g.calls.Wait(ctx, waiter, g.waitTimeout(req.ResponseTimeout))
	if err != nil {
		result := ResultError
		if errors.Is(err, correlation.ErrTimeout) {
			result = ResultTimeout
		}
		g.metrics.DirectMethodCompleted(result, time.Since(start))
		g.logger.Warn("direct method failed", "device_id", deviceID, "method", req.Name, "request_id", requestID, "error", err)
		return nil, fmt.Errorf("direct method %s on %s: %w", req.Name, deviceID, err)
	}

	g.metrics.DirectMethodCompleted(ResultOK, time.Since(start))
	return &hub.MethodResponse{Status: http.StatusOK, Payload: resp.Payload}, nil
}

// HandleDirectMethodResponse completes the waiting call whose request ID
// equals the message's correlation ID. Responses nobody waits for are
// logged and discarded. It always returns nil.
func (g *Gateway) HandleDirectMethodResponse(_ context.Context, msg *message.Message) error {
	if msg.CorrelationID == "" {
		g.logger.Warn("direct method response without correlation id", "message_id", msg.ID)
		g.metrics.LateResponse()
		return nil
	}
	if !g.calls.Resolve(msg.CorrelationID, msg) {
		g.logger.Warn("no direct method waiting for response, discarding", "correlation_id", msg.CorrelationID)
		g.metrics.LateResponse()
	}
	return nil
}

// leafMethodHandler bridges direct methods received on a device client.
func (g *Gateway) leafMethodHandler(deviceID string) hub.MethodHandler {
	return func(ctx context.Context, req *hub.MethodRequest) (*hub.MethodResponse, error) {
		return g.InvokeDirectMethod(ctx, deviceID, req)
	}
}

func (g *Gateway) waitTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = g.defaultTimeout
	}
	return requested * directMethodWaitNumerator / directMethodWaitDenominator
}

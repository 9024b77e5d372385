package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/gray-logic-identity/internal/audit"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/leaf"
)

// registrationCallback is the ItmCallback payload sent by the hub once a
// registration request has been processed.
type registrationCallback struct {
	DeviceID          string `json:"deviceId"`
	ResultCode        int    `json:"resultCode"`
	ResultDescription string `json:"resultDescription"`
}

// HandleRegistrationCallback applies a registration confirmation.
//
// An unknown device yields a 404 response and no state change. A callback
// for a device that is not waiting for confirmation is logged and
// acknowledged with 200. A failure to connect the device client returns an
// error, which the hub reports as 500.
//
// Parameters:
//   - ctx: Bounds signing, connecting and the buffer flush
//   - req: Method request whose data is the JSON callback body
//
// Returns:
//   - *hub.MethodResponse: 200, 400 for an unreadable body, or 404
//   - error: Device connection failure
func (g *Gateway) HandleRegistrationCallback(ctx context.Context, req *hub.MethodRequest) (*hub.MethodResponse, error) {
	var cb registrationCallback
	if err := json.Unmarshal(req.Data, &cb); err != nil || cb.DeviceID == "" {
		g.logger.Warn("malformed registration callback", "error", err)
		return &hub.MethodResponse{Status: http.StatusBadRequest}, nil
	}

	rec, err := g.registry.Get(cb.DeviceID)
	if err != nil {
		g.logger.Warn("registration callback for unknown device", "device_id", cb.DeviceID, "result_code", cb.ResultCode)
		return &hub.MethodResponse{Status: http.StatusNotFound}, nil
	}

	result, err := rec.Confirm(ctx, cb.ResultCode, g.connectDevice(cb.DeviceID))
	switch {
	case errors.Is(err, leaf.ErrInvalidState):
		g.logger.Error("unexpected registration callback", "device_id", cb.DeviceID, "result_code", cb.ResultCode, "error", err)
		return &hub.MethodResponse{Status: http.StatusOK}, nil
	case err != nil:
		g.logger.Error("failed to connect registered device", "device_id", cb.DeviceID, "error", err)
		g.journalEvent(ctx, audit.ActionConnectFailed, cb.DeviceID, map[string]any{
			"result_code": cb.ResultCode,
			"error":       err.Error(),
		})
		return nil, err
	}

	g.metrics.RegistrationCompleted(result.Outcome, result.Flushed)
	switch result.Outcome {
	case leaf.OutcomeRegistered:
		g.logger.Info("leaf device registered", "device_id", cb.DeviceID, "result_code", cb.ResultCode, "flushed", result.Flushed)
		if result.FlushErr != nil {
			g.metrics.SendFailed("flush")
			g.logger.Error("failed to flush buffered telemetry", "device_id", cb.DeviceID, "error", result.FlushErr)
		}
	case leaf.OutcomeRejected:
		g.logger.Warn("leaf device registration rejected",
			"device_id", cb.DeviceID,
			"result_code", cb.ResultCode,
			"description", cb.ResultDescription,
			"discarded", result.Discarded,
		)
	case leaf.OutcomeUnhandled:
		g.logger.Error("unhandled registration result code",
			"device_id", cb.DeviceID,
			"result_code", cb.ResultCode,
			"description", cb.ResultDescription,
		)
	}
	g.journalEvent(ctx, string(result.Outcome), cb.DeviceID, map[string]any{
		"result_code":        cb.ResultCode,
		"result_description": cb.ResultDescription,
		"flushed":            result.Flushed,
		"discarded":          result.Discarded,
	})

	return &hub.MethodResponse{Status: http.StatusOK}, nil
}

// connectDevice returns the connect step for Confirm: sign the device id,
// open the device client and install the direct method bridge on it.
func (g *Gateway) connectDevice(deviceID string) func(ctx context.Context) (leaf.Transport, error) {
	return func(ctx context.Context) (leaf.Transport, error) {
		key, err := g.signer.Sign(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("signing device key: %w", err)
		}

		client, err := g.devices.Connect(ctx, deviceID, key)
		if err != nil {
			return nil, fmt.Errorf("opening device client: %w", err)
		}

		if err := client.SetMethodDefaultHandler(g.leafMethodHandler(deviceID)); err != nil {
			_ = client.Close() //nolint:errcheck // best effort, the install error is returned
			return nil, fmt.Errorf("installing direct method handler: %w", err)
		}
		return client, nil
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-identity/internal/correlation"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/leaf"
)

// maxMethodTimeout caps the timeout query parameter of a method call.
const maxMethodTimeout = 5 * time.Minute

// writeDeadlineSlack is added to a method timeout when extending the
// response write deadline.
const writeDeadlineSlack = 5 * time.Second

var errTimeoutRange = errors.New("timeout must be positive and at most 5m")

// methodResponse is the body of a successful direct method call.
type methodResponse struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// handleListDevices returns every known leaf device.
//
// Query parameters:
//   - status: filter by registration status (new, registered, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.List()

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if string(d.Status) == status {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleDeviceStats returns device counts per status and the number of
// direct methods waiting for a response.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	counts := s.registry.CountByStatus()
	byStatus := make(map[string]int, len(leaf.AllStatuses))
	for _, status := range leaf.AllStatuses {
		byStatus[string(status)] = counts[status]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":                  s.registry.Count(),
		"by_status":              byStatus,
		"pending_direct_methods": s.methods.PendingCalls(),
	})
}

// handleGetDevice returns one leaf device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Snapshot())
}

// handleInvokeMethod calls a direct method on a leaf device. The request
// body is passed to the device as the method payload.
//
// Query parameters:
//   - timeout: response timeout as a duration ("10s") or whole seconds
func (s *Server) handleInvokeMethod(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	method := chi.URLParam(r, "method")

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if timeout > 0 {
		//nolint:errcheck // Unsupported writers keep the server write timeout
		http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout + writeDeadlineSlack))
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeBadRequest(w, "request body must be JSON")
		return
	}

	resp, err := s.methods.InvokeDirectMethod(r.Context(), deviceID, &hub.MethodRequest{
		Name:            method,
		Data:            body,
		ResponseTimeout: timeout,
	})
	if err != nil {
		s.writeMethodError(w, r, deviceID, method, err)
		return
	}

	writeJSON(w, http.StatusOK, methodResponse{Status: resp.Status, Payload: asJSON(resp.Payload)})
}

// writeMethodError maps direct method failures to HTTP statuses.
func (s *Server) writeMethodError(w http.ResponseWriter, r *http.Request, deviceID, method string, err error) {
	switch {
	case errors.Is(err, leaf.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, correlation.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, "device did not respond in time")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
	default:
		s.logger.Warn("direct method failed",
			"device_id", deviceID,
			"method", method,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "direct method could not be delivered")
	}
}

// parseTimeout accepts a Go duration or a number of seconds. Empty means
// the gateway default.
func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, errors.New("timeout must be a duration or whole seconds")
		}
		if secs <= 0 || secs > int(maxMethodTimeout/time.Second) {
			return 0, errTimeoutRange
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 || d > maxMethodTimeout {
		return 0, errTimeoutRange
	}
	return d, nil
}

// asJSON embeds payload as-is when it is valid JSON and as a JSON string
// otherwise.
func asJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}

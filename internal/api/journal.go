package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-identity/internal/audit"
)

// handleListJournal returns registration journal entries, newest first.
//
// Query parameters:
//   - device_id: filter by leaf device
//   - action: filter by action (registered, rejected, ...)
//   - limit: page size (default 50, max 200)
//   - offset: entries to skip
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	s.listJournal(w, r, r.URL.Query().Get("device_id"))
}

// handleDeviceJournal returns the journal of one leaf device.
func (s *Server) handleDeviceJournal(w http.ResponseWriter, r *http.Request) {
	s.listJournal(w, r, chi.URLParam(r, "id"))
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request, deviceID string) {
	if s.journal == nil {
		writeUnavailable(w, "registration journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: deviceID,
		Action:   q.Get("action"),
	}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal failed", "error", err, "request_id", r.Context().Value(ctxKeyRequestID))
		writeInternalError(w, "failed to list journal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{apperr.ErrSlotUnavailable, http.StatusConflict, "slot_unavailable", "slot is no longer available, please pick another time"},
	{apperr.ErrLockTimeout, http.StatusServiceUnavailable, "busy", "schedule is busy, please try again"},
	{apperr.ErrInvalidSlotAlignment, http.StatusUnprocessableEntity, "invalid_slot_alignment", ""},
	{apperr.ErrNonexistentLocalTime, http.StatusUnprocessableEntity, "nonexistent_local_time", ""},
	{apperr.ErrInvalidTimezone, http.StatusUnprocessableEntity, "invalid_timezone", ""},
	{apperr.ErrInvalidRange, http.StatusUnprocessableEntity, "invalid_range", ""},
	{apperr.ErrInvalidRequest, http.StatusBadRequest, "invalid_request", ""},
	{apperr.ErrStaffNotFound, http.StatusNotFound, "staff_not_found", ""},
	{apperr.ErrServiceNotFound, http.StatusNotFound, "service_not_found", ""},
	{apperr.ErrNotFound, http.StatusNotFound, "not_found", "appointment not found"},
	{apperr.ErrInvalidTransition, http.StatusConflict, "invalid_transition", ""},
	{apperr.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update", "appointment changed meanwhile, please retry"},
	{apperr.ErrIdempotencyMismatch, http.StatusUnprocessableEntity, "idempotency_mismatch", ""},
	{apperr.ErrPaymentDeclined, http.StatusPaymentRequired, "payment_declined", ""},
	{apperr.ErrPaymentUnavailable, http.StatusServiceUnavailable, "payment_unavailable", "payment could not be verified, please try again"},
	{apperr.ErrRescheduleRolledBack, http.StatusServiceUnavailable, "reschedule_rolled_back", "reschedule did not complete, your original booking is kept"},
	{apperr.ErrCompensationFailed, http.StatusInternalServerError, "reschedule_incomplete", "reschedule did not complete, support has been notified"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = err.Error()
		}
		if m.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		if m.status >= 500 {
			logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "code", m.code, "err", err)
		}
		writeJSON(w, m.status, errorResponse{Error: msg, Code: m.code, Retryable: apperr.Retryable(err)})
		return
	}
	logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_request"})
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/auth"
	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/libs/httpx"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/tz"
)

// Scheduler is the booking surface the HTTP layer drives; *booking.Service implements it.
type Scheduler interface {
	GetAvailableSlots(ctx context.Context, q booking.SlotQuery) ([]model.TimeSlot, error)
	CreateAppointment(ctx context.Context, req booking.CreateRequest) (model.Appointment, error)
	CancelAppointment(ctx context.Context, id, reason string) (model.Appointment, error)
	RescheduleAppointment(ctx context.Context, req booking.RescheduleRequest) (model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	MarkNoShow(ctx context.Context, staffID, id string) (model.Appointment, error)
	CompleteAppointment(ctx context.Context, staffID, id string) (model.Appointment, error)
	ConfirmAppointment(ctx context.Context, id, paymentRef string) (model.Appointment, error)
}

type Config struct {
	JWTSecret              string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
}

type BookingHandler struct {
	svc    Scheduler
	logger *slog.Logger
	clock  clock.Clock
	cfg    Config
}

func NewBookingHandler(svc Scheduler, logger *slog.Logger, clk clock.Clock, cfg Config) *BookingHandler {
	if cfg.StripeWebhookTolerance <= 0 {
		cfg.StripeWebhookTolerance = 5 * time.Minute
	}
	return &BookingHandler{svc: svc, logger: logger, clock: clk, cfg: cfg}
}

// Register mounts the routes on mux. public wraps the unauthenticated client endpoints, typically
// with a rate limiter.
func (h *BookingHandler) Register(mux *http.ServeMux, public ...httpx.Middleware) {
	mux.Handle("/api/v1/public/slots", httpx.Chain(http.HandlerFunc(h.Slots), public...))
	mux.Handle("/api/v1/public/book", httpx.Chain(http.HandlerFunc(h.Create), public...))
	mux.HandleFunc("/api/v1/appointments/get", h.Get)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/appointments/reschedule", h.Reschedule)
	mux.HandleFunc("/api/v1/staff/appointments/no-show", h.NoShow)
	mux.HandleFunc("/api/v1/staff/appointments/complete", h.Complete)
	mux.HandleFunc("/api/v1/payments/webhooks/stripe", h.StripeWebhook)
}

type appointmentResponse struct {
	AppointmentID  string `json:"appointment_id"`
	StaffID        string `json:"staff_id"`
	ClientID       string `json:"client_id"`
	ServiceID      string `json:"service_id"`
	StartUTC       string `json:"start_utc"`
	EndUTC         string `json:"end_utc"`
	Status         string `json:"status"`
	RescheduleOfID string `json:"reschedule_of_id,omitempty"`
	CancelReason   string `json:"cancel_reason,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	CancelledAt    string `json:"cancelled_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toResponse(a model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		AppointmentID:  a.ID,
		StaffID:        a.StaffID,
		ClientID:       a.ClientID,
		ServiceID:      a.ServiceID,
		StartUTC:       a.StartUTC.UTC().Format(time.RFC3339),
		EndUTC:         a.EndUTC.UTC().Format(time.RFC3339),
		Status:         string(a.Status),
		RescheduleOfID: a.RescheduleOfID,
		CancelReason:   a.CancelReason,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.ExpiresAt != nil {
		resp.ExpiresAt = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.CancelledAt != nil {
		resp.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type slotItem struct {
	StartUTC   string `json:"start_utc"`
	EndUTC     string `json:"end_utc"`
	StartLocal string `json:"start_local,omitempty"`
	Available  bool   `json:"available"`
}

// startInput is either an RFC3339 instant or a wall-clock date and time in the client's timezone.
type startInput struct {
	StartTime string `json:"start_time"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Timezone  string `json:"timezone"`
}

var (
	errMissingStart = errors.New("start_time or date, time and timezone are required")
	errBadStartTime = errors.New("invalid start_time, expected RFC3339")
)

func (in startInput) resolve() (time.Time, error) {
	if s := strings.TrimSpace(in.StartTime); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, errBadStartTime
		}
		return t.UTC(), nil
	}
	if strings.TrimSpace(in.Date) == "" || strings.TrimSpace(in.Time) == "" || strings.TrimSpace(in.Timezone) == "" {
		return time.Time{}, errMissingStart
	}
	return tz.ClientInputToUTC(in.Timezone, in.Date, in.Time)
}

type createRequest struct {
	startInput
	StaffID    string `json:"staff_id"`
	ServiceID  string `json:"service_id"`
	ClientID   string `json:"client_id"`
	PaymentRef string `json:"payment_ref"`
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

type rescheduleRequest struct {
	startInput
	AppointmentID string `json:"appointment_id"`
	StaffID       string `json:"staff_id"`
	ServiceID     string `json:"service_id"`
}

type staffActionRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	staffID := strings.TrimSpace(q.Get("staff_id"))
	serviceID := strings.TrimSpace(q.Get("service_id"))
	fromStr := strings.TrimSpace(q.Get("from"))
	if staffID == "" || serviceID == "" || fromStr == "" {
		badRequest(w, "staff_id, service_id, and from are required")
		return
	}
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = fromStr
	}
	from, err := time.Parse(tz.DateLayout, fromStr)
	if err != nil {
		badRequest(w, "invalid from, expected YYYY-MM-DD")
		return
	}
	to, err := time.Parse(tz.DateLayout, toStr)
	if err != nil {
		badRequest(w, "invalid to, expected YYYY-MM-DD")
		return
	}
	var display *time.Location
	if name := strings.TrimSpace(q.Get("tz")); name != "" {
		if display, err = tz.Load(name); err != nil {
			writeError(w, h.logger, r, err)
			return
		}
	}

	slots, err := h.svc.GetAvailableSlots(r.Context(), booking.SlotQuery{StaffID: staffID, ServiceID: serviceID, From: from, To: to})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	resp := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		item := slotItem{
			StartUTC:  s.StartUTC.UTC().Format(time.RFC3339),
			EndUTC:    s.EndUTC.UTC().Format(time.RFC3339),
			Available: s.Available,
		}
		if display != nil {
			item.StartLocal = s.StartUTC.In(display).Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.StaffID == "" || req.ServiceID == "" || req.ClientID == "" {
		badRequest(w, "staff_id, service_id, and client_id are required")
		return
	}
	start, err := req.resolve()
	if err != nil {
		h.startError(w, r, err)
		return
	}

	appt, err := h.svc.CreateAppointment(r.Context(), booking.CreateRequest{
		StaffID:        req.StaffID,
		ServiceID:      req.ServiceID,
		ClientID:       req.ClientID,
		Start:          start,
		PaymentRef:     req.PaymentRef,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if id == "" {
		badRequest(w, "appointment_id required")
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), req.AppointmentID, strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}
	start, err := req.resolve()
	if err != nil {
		h.startError(w, r, err)
		return
	}

	appt, err := h.svc.RescheduleAppointment(r.Context(), booking.RescheduleRequest{
		AppointmentID:  req.AppointmentID,
		StaffID:        strings.TrimSpace(req.StaffID),
		ServiceID:      strings.TrimSpace(req.ServiceID),
		Start:          start,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, h.svc.MarkNoShow)
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.staffAction(w, r, h.svc.CompleteAppointment)
}

// staffAction authenticates a staff bearer token and applies action to one of that staff
// member's appointments.
func (h *BookingHandler) staffAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, staffID, id string) (model.Appointment, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.JWTSecret == "" {
		http.Error(w, "staff auth not configured", http.StatusServiceUnavailable)
		return
	}
	token, err := auth.BearerToken(r)
	if err != nil {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseAndVerifyHS256(token, h.cfg.JWTSecret, h.clock.Now())
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	staffID := claims.StaffID
	if staffID == "" {
		staffID = claims.Sub
	}
	if claims.Role != auth.RoleStaff || staffID == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req staffActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}

	appt, err := action(r.Context(), staffID, req.AppointmentID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) startError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errMissingStart) || errors.Is(err, errBadStartTime) {
		badRequest(w, err.Error())
		return
	}
	writeError(w, h.logger, r, err)
}

package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/auth"
	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/directory"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/payment"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/reschedule"
	"github.com/stripe/stripe-go/v79"
)

const (
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "whsec_test"
)

type gateFunc func(context.Context, model.Appointment) error

func (f gateFunc) Authorize(ctx context.Context, a model.Appointment) error { return f(ctx, a) }

type server struct {
	mux   *http.ServeMux
	clock *clock.Fake
	store *ledger.MemoryStore
}

func newServer(t *testing.T, gate payment.Gate) *server {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemory()
	hours := map[time.Weekday][]model.LocalInterval{}
	for d := time.Monday; d <= time.Friday; d++ {
		hours[d] = []model.LocalInterval{{StartMinute: 9 * 60, EndMinute: 17 * 60}}
	}
	if _, err := dir.UpsertStaff(ctx, model.StaffMember{ID: "staff-1", Timezone: "America/New_York", WorkingHours: hours}); err != nil {
		t.Fatalf("seed staff: %v", err)
	}
	if _, err := dir.UpsertService(ctx, model.Service{ID: "cut", DurationMinutes: 30}); err != nil {
		t.Fatalf("seed service: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore()
	g := guard.New(ledger.New(store, clk, 0), logger, time.Second)
	svc := booking.New(booking.Deps{
		Directory:   dir,
		Guard:       g,
		Coordinator: reschedule.New(g, clk, logger, nil, reschedule.Config{}),
		Gate:        gate,
		Clock:       clk,
		Logger:      logger,
	})
	h := NewBookingHandler(svc, logger, clk, Config{JWTSecret: testJWTSecret, StripeWebhookSecret: testWebhookSecret})
	mux := http.NewServeMux()
	h.Register(mux)
	return &server{mux: mux, clock: clk, store: store}
}

func (s *server) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (s *server) book(t *testing.T, body string) appointmentResponse {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/public/book", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[appointmentResponse](t, rr)
}

func TestSlotsEndpoint(t *testing.T) {
	s := newServer(t, payment.Noop{})
	rr := s.do(t, http.MethodGet, "/api/v1/public/slots?staff_id=staff-1&service_id=cut&from=2026-01-05&tz=Europe/London", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	slots := decode[[]slotItem](t, rr)
	if len(slots) != 31 {
		t.Fatalf("expected 31 slots for 09:00-17:00 at 15m steps, got %d", len(slots))
	}
	if slots[0].StartUTC != "2026-01-05T14:00:00Z" || slots[0].StartLocal != "2026-01-05T14:00:00Z" {
		t.Fatalf("unexpected first slot %+v", slots[0])
	}
}

func TestSlotsEndpointValidation(t *testing.T) {
	s := newServer(t, payment.Noop{})
	cases := []struct {
		path string
		want int
	}{
		{"/api/v1/public/slots?staff_id=staff-1&service_id=cut", http.StatusBadRequest},
		{"/api/v1/public/slots?staff_id=staff-1&service_id=cut&from=05-01-2026", http.StatusBadRequest},
		{"/api/v1/public/slots?staff_id=staff-1&service_id=cut&from=2026-01-05&to=2026-03-05", http.StatusUnprocessableEntity},
		{"/api/v1/public/slots?staff_id=ghost&service_id=cut&from=2026-01-05", http.StatusNotFound},
		{"/api/v1/public/slots?staff_id=staff-1&service_id=cut&from=2026-01-05&tz=Mars/Olympus", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if rr := s.do(t, http.MethodGet, tc.path, "", nil); rr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.path, tc.want, rr.Code, rr.Body.String())
		}
	}
	if rr := s.do(t, http.MethodPost, "/api/v1/public/slots", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestBookWithLocalTimeAndConflict(t *testing.T) {
	s := newServer(t, payment.Noop{})
	appt := s.book(t, `{"staff_id":"staff-1","service_id":"cut","client_id":"c1","date":"2026-01-05","time":"10:00","timezone":"America/New_York"}`)
	if appt.StartUTC != "2026-01-05T15:00:00Z" || appt.Status != "confirmed" {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	rr := s.do(t, http.MethodPost, "/api/v1/public/book", `{"staff_id":"staff-1","service_id":"cut","client_id":"c2","start_time":"2026-01-05T15:00:00Z"}`, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	resp := decode[errorResponse](t, rr)
	if resp.Code != "slot_unavailable" || !resp.Retryable {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestBookRejectsBadInput(t *testing.T) {
	s := newServer(t, payment.Noop{})
	cases := []struct {
		body string
		want int
	}{
		{`{`, http.StatusBadRequest},
		{`{"staff_id":"staff-1","service_id":"cut"}`, http.StatusBadRequest},
		{`{"staff_id":"staff-1","service_id":"cut","client_id":"c"}`, http.StatusBadRequest},
		{`{"staff_id":"staff-1","service_id":"cut","client_id":"c","start_time":"tomorrow"}`, http.StatusBadRequest},
		{`{"staff_id":"staff-1","service_id":"cut","client_id":"c","date":"2026-03-08","time":"02:30","timezone":"America/New_York"}`, http.StatusUnprocessableEntity},
		{`{"staff_id":"staff-1","service_id":"cut","client_id":"c","date":"2026-01-05","time":"9am","timezone":"America/New_York"}`, http.StatusBadRequest},
		{`{"staff_id":"staff-1","service_id":"cut","client_id":"c","start_time":"2026-01-05T14:07:00Z"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if rr := s.do(t, http.MethodPost, "/api/v1/public/book", tc.body, nil); rr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.body, tc.want, rr.Code, rr.Body.String())
		}
	}
}

func TestBookPaymentErrors(t *testing.T) {
	declined := newServer(t, gateFunc(func(context.Context, model.Appointment) error { return fmt.Errorf("card: %w", apperr.ErrPaymentDeclined) }))
	rr := declined.do(t, http.MethodPost, "/api/v1/public/book", `{"staff_id":"staff-1","service_id":"cut","client_id":"c","start_time":"2026-01-05T14:00:00Z"}`, nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rr.Code, rr.Body.String())
	}

	down := newServer(t, gateFunc(func(context.Context, model.Appointment) error { return fmt.Errorf("stripe: connection reset") }))
	rr = down.do(t, http.MethodPost, "/api/v1/public/book", `{"staff_id":"staff-1","service_id":"cut","client_id":"c","start_time":"2026-01-05T14:00:00Z"}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on 503")
	}
}

func TestBookIdempotencyHeader(t *testing.T) {
	s := newServer(t, payment.Noop{})
	body := `{"staff_id":"staff-1","service_id":"cut","client_id":"c1","start_time":"2026-01-05T14:00:00Z"}`
	headers := map[string]string{"Idempotency-Key": "abc"}

	first := decode[appointmentResponse](t, s.do(t, http.MethodPost, "/api/v1/public/book", body, headers))
	second := s.do(t, http.MethodPost, "/api/v1/public/book", body, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replay to succeed, got %d", second.Code)
	}
	if got := decode[appointmentResponse](t, second); got.AppointmentID != first.AppointmentID {
		t.Fatalf("expected %s, got %s", first.AppointmentID, got.AppointmentID)
	}

	other := `{"staff_id":"staff-1","service_id":"cut","client_id":"c1","start_time":"2026-01-05T15:00:00Z"}`
	if rr := s.do(t, http.MethodPost, "/api/v1/public/book", other, headers); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on key reuse, got %d", rr.Code)
	}
}

func TestGetCancelAndReschedule(t *testing.T) {
	s := newServer(t, payment.Noop{})
	appt := s.book(t, `{"staff_id":"staff-1","service_id":"cut","client_id":"c1","start_time":"2026-01-05T14:00:00Z"}`)

	rr := s.do(t, http.MethodPost, "/api/v1/appointments/reschedule",
		fmt.Sprintf(`{"appointment_id":%q,"start_time":"2026-01-05T16:00:00Z"}`, appt.AppointmentID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	moved := decode[appointmentResponse](t, rr)
	if moved.RescheduleOfID != appt.AppointmentID || moved.Status != "confirmed" {
		t.Fatalf("unexpected reschedule result %+v", moved)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/appointments/get?appointment_id="+appt.AppointmentID, "", nil)
	if got := decode[appointmentResponse](t, rr); got.Status != "cancelled" || got.CancelReason != reschedule.ReasonRescheduled {
		t.Fatalf("expected original cancelled by reschedule, got %+v", got)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/appointments/cancel", fmt.Sprintf(`{"appointment_id":%q}`, moved.AppointmentID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decode[appointmentResponse](t, rr); got.Status != "cancelled" || got.CancelledAt == "" {
		t.Fatalf("unexpected cancel result %+v", got)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/appointments/reschedule",
		fmt.Sprintf(`{"appointment_id":%q,"start_time":"2026-01-05T18:00:00Z"}`, moved.AppointmentID), nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 rescheduling a cancelled appointment, got %d", rr.Code)
	}

	if rr := s.do(t, http.MethodGet, "/api/v1/appointments/get?appointment_id=missing", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func staffToken(t *testing.T, staffID, role string) string {
	t.Helper()
	token, err := auth.SignHS256(auth.Claims{Sub: staffID, StaffID: staffID, Role: role, Exp: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).Unix()}, testJWTSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestNoShowRequiresOwningStaff(t *testing.T) {
	s := newServer(t, payment.Noop{})
	appt := s.book(t, `{"staff_id":"staff-1","service_id":"cut","client_id":"c1","start_time":"2026-01-05T14:00:00Z"}`)
	body := fmt.Sprintf(`{"appointment_id":%q}`, appt.AppointmentID)
	s.clock.Set(time.Date(2026, 1, 5, 14, 20, 0, 0, time.UTC))

	if rr := s.do(t, http.MethodPost, "/api/v1/staff/appointments/no-show", body, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	client := map[string]string{"Authorization": "Bearer " + staffToken(t, "staff-1", auth.RoleClient)}
	if rr := s.do(t, http.MethodPost, "/api/v1/staff/appointments/no-show", body, client); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for client role, got %d", rr.Code)
	}
	other := map[string]string{"Authorization": "Bearer " + staffToken(t, "staff-2", auth.RoleStaff)}
	if rr := s.do(t, http.MethodPost, "/api/v1/staff/appointments/no-show", body, other); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another staff member, got %d", rr.Code)
	}
	owner := map[string]string{"Authorization": "Bearer " + staffToken(t, "staff-1", auth.RoleStaff)}
	rr := s.do(t, http.MethodPost, "/api/v1/staff/appointments/no-show", body, owner)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[appointmentResponse](t, rr); got.Status != "no_show" {
		t.Fatalf("expected no_show, got %s", got.Status)
	}
}

func TestCompleteByStaff(t *testing.T) {
	s := newServer(t, payment.Noop{})
	appt := s.book(t, `{"staff_id":"staff-1","service_id":"cut","client_id":"c1","start_time":"2026-01-05T14:00:00Z"}`)
	body := fmt.Sprintf(`{"appointment_id":%q}`, appt.AppointmentID)
	owner := map[string]string{"Authorization": "Bearer " + staffToken(t, "staff-1", auth.RoleStaff)}

	if rr := s.do(t, http.MethodPost, "/api/v1/staff/appointments/complete", body, owner); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 before the appointment starts, got %d", rr.Code)
	}
	s.clock.Set(time.Date(2026, 1, 5, 14, 25, 0, 0, time.UTC))
	rr := s.do(t, http.MethodPost, "/api/v1/staff/appointments/complete", body, owner)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[appointmentResponse](t, rr); got.Status != "completed" {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func signStripe(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func (s *server) webhook(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/payments/webhooks/stripe", string(payload), map[string]string{
		"Stripe-Signature": signature,
	})
}

func paymentSucceeded(appointmentID, intentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": %q,
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": %q, "object": "payment_intent", "status": "succeeded", "metadata": {"appointment_id": %q}}}
	}`, stripe.APIVersion, intentID, appointmentID))
}

func TestStripeWebhookConfirmsPendingAppointment(t *testing.T) {
	s := newServer(t, gateFunc(func(context.Context, model.Appointment) error {
		return fmt.Errorf("%w: processing", apperr.ErrPaymentUnavailable)
	}))
	rr := s.do(t, http.MethodPost, "/api/v1/public/book",
		`{"staff_id":"staff-1","service_id":"cut","client_id":"c1","start_time":"2026-01-05T14:00:00Z","payment_ref":"pi_123"}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while payment is processing, got %d", rr.Code)
	}
	active, err := s.store.ListActive(context.Background(), "staff-1")
	if err != nil || len(active) != 1 || active[0].Status != model.StatusPending {
		t.Fatalf("expected one pending hold, got %+v (err=%v)", active, err)
	}
	id := active[0].ID

	payload := paymentSucceeded(id, "pi_999")
	rr = s.webhook(t, payload, signStripe(payload, time.Now()))
	if got := decode[map[string]string](t, rr); rr.Code != http.StatusOK || got["status"] != "unmatched" {
		t.Fatalf("expected unmatched for a foreign payment intent, got %d %v", rr.Code, got)
	}

	payload = paymentSucceeded(id, "pi_123")
	rr = s.webhook(t, payload, signStripe(payload, time.Now()))
	if got := decode[map[string]string](t, rr); rr.Code != http.StatusOK || got["status"] != "confirmed" {
		t.Fatalf("expected confirmed, got %d %v", rr.Code, got)
	}

	payload = paymentSucceeded("missing", "pi_123")
	rr = s.webhook(t, payload, signStripe(payload, time.Now()))
	if got := decode[map[string]string](t, rr); got["status"] != "unmatched" {
		t.Fatalf("expected unmatched for unknown appointment, got %v", got)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	s := newServer(t, payment.Noop{})
	payload := paymentSucceeded("appt", "pi_1")
	if rr := s.webhook(t, payload, "t=1,v1=deadbeef"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rr.Code)
	}
	if rr := s.webhook(t, payload, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", rr.Code)
	}
}

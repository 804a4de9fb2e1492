// Package booking exposes the scheduling operations: availability queries, creation,
// cancellation and rescheduling of appointments, plus the status changes staff and payment
// callbacks drive.
package booking

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptsched/libs/clock"
	otelx "github.com/md-rashed-zaman/apptsched/libs/otel"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/directory"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/notify"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/payment"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/reschedule"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"
)

const (
	ReasonClientCancelled = "client_cancelled"
	ReasonPaymentDeclined = "payment_declined"
)

type Notifier interface {
	Notify(ctx context.Context, evt notify.Event)
}

type SlotQuery struct {
	StaffID   string
	ServiceID string
	// From and To are inclusive calendar dates in the staff member's timezone.
	From time.Time
	To   time.Time
}

type CreateRequest struct {
	StaffID        string
	ServiceID      string
	ClientID       string
	Start          time.Time
	PaymentRef     string
	IdempotencyKey string
}

type RescheduleRequest struct {
	AppointmentID string
	// StaffID and ServiceID are optional; empty keeps those of the current appointment.
	StaffID        string
	ServiceID      string
	Start          time.Time
	IdempotencyKey string
}

type Deps struct {
	Directory   directory.Directory
	Guard       *guard.Guard
	Coordinator *reschedule.Coordinator
	Gate        payment.Gate
	Notifier    Notifier
	Clock       clock.Clock
	Logger      *slog.Logger
	// PendingGrace is how long an unconfirmed booking holds its slot.
	PendingGrace time.Duration
}

type Service struct {
	dir      directory.Directory
	guard    *guard.Guard
	coord    *reschedule.Coordinator
	gate     payment.Gate
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	grace    time.Duration
	newID    func() string
	tracer   trace.Tracer
}

func New(d Deps) *Service {
	if d.Gate == nil {
		d.Gate = payment.Noop{}
	}
	if d.PendingGrace <= 0 {
		d.PendingGrace = 15 * time.Minute
	}
	return &Service{
		dir:      d.Directory,
		guard:    d.Guard,
		coord:    d.Coordinator,
		gate:     d.Gate,
		notifier: d.Notifier,
		clock:    d.Clock,
		logger:   d.Logger,
		grace:    d.PendingGrace,
		newID:    uuid.NewString,
		tracer:   otelx.Tracer("booking/service"),
	}
}

func (s *Service) store() ledger.Store { return s.guard.Ledger().Store() }

// GetAvailableSlots lists bookable starts for the service with the staff member across the
// requested local dates. An empty day yields an empty list, not an error.
func (s *Service) GetAvailableSlots(ctx context.Context, q SlotQuery) ([]model.TimeSlot, error) {
	ctx, span := s.tracer.Start(ctx, "booking.slots", trace.WithAttributes(
		attribute.String("staff_id", q.StaffID),
		attribute.String("service_id", q.ServiceID),
	))
	defer span.End()

	staff, err := s.dir.Staff(ctx, q.StaffID)
	if err != nil {
		return nil, err
	}
	svc, err := s.dir.Service(ctx, q.ServiceID)
	if err != nil {
		return nil, err
	}
	windows, err := availability.Windows(staff, q.From, q.To)
	if err != nil {
		return nil, err
	}
	bounds, ok := availability.Bounds(windows, staff.Buffer())
	if !ok {
		return []model.TimeSlot{}, nil
	}
	occupied, err := s.guard.Ledger().Busy(ctx, staff.ID, bounds.Start, bounds.End)
	if err != nil {
		return nil, err
	}
	busy := make([]availability.Interval, len(occupied))
	for i, iv := range occupied {
		busy[i] = availability.Interval{Start: iv.Start, End: iv.End}
	}
	slots := availability.Slots(windows, staff, svc, busy, s.clock.Now())
	if slots == nil {
		slots = []model.TimeSlot{}
	}
	span.SetAttributes(attribute.Int("slots", len(slots)))
	return slots, nil
}

// CreateAppointment reserves the slot as pending, runs the payment gate and confirms. A
// declined payment cancels the hold; an unreachable gate leaves it pending until it expires or
// a later replay or payment callback settles it.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (model.Appointment, error) {
	if req.StaffID == "" || req.ServiceID == "" || req.ClientID == "" {
		return model.Appointment{}, fmt.Errorf("%w: staff_id, service_id and client_id are required", apperr.ErrInvalidRequest)
	}
	if req.Start.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: start time is required", apperr.ErrInvalidRequest)
	}
	ctx, span := s.tracer.Start(ctx, "booking.create", trace.WithAttributes(
		attribute.String("staff_id", req.StaffID),
		attribute.String("client_id", req.ClientID),
	))
	defer span.End()

	scope := "create:" + req.ClientID
	fp := Fingerprint("create", req.StaffID, req.ServiceID, req.ClientID, req.Start.UTC().Format(time.RFC3339), req.PaymentRef)

	if req.IdempotencyKey != "" {
		if appt, ok, err := s.replayCreate(ctx, s.store(), scope, req.IdempotencyKey, fp); err != nil || ok {
			if err != nil {
				return appt, err
			}
			return s.settle(ctx, appt)
		}
	}

	staff, err := s.dir.Staff(ctx, req.StaffID)
	if err != nil {
		return model.Appointment{}, err
	}
	svc, err := s.dir.Service(ctx, req.ServiceID)
	if err != nil {
		return model.Appointment{}, err
	}
	now := s.clock.Now()
	if err := availability.CheckSlot(staff, svc, req.Start, now); err != nil {
		return model.Appointment{}, err
	}

	expires := now.Add(s.grace)
	appt := model.Appointment{
		ID:         s.newID(),
		StaffID:    staff.ID,
		ClientID:   req.ClientID,
		ServiceID:  svc.ID,
		StartUTC:   req.Start.UTC(),
		EndUTC:     model.AppointmentEnd(req.Start.UTC(), svc, staff),
		Status:     model.StatusPending,
		Version:    1,
		PaymentRef: strings.TrimSpace(req.PaymentRef),
		ExpiresAt:  &expires,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Checked again under the staff lock and ahead of the overlap check.
	var replayed *model.Appointment
	lookup := func(ctx context.Context, tx ledger.Tx) error {
		if req.IdempotencyKey == "" {
			return nil
		}
		prior, ok, err := s.replayCreate(ctx, tx, scope, req.IdempotencyKey, fp)
		if err != nil || !ok {
			return err
		}
		replayed = &prior
		return errReplayed
	}
	remember := func(ctx context.Context, tx ledger.Tx) error {
		if req.IdempotencyKey == "" {
			return nil
		}
		return tx.SaveIdempotency(ctx, ledger.IdempotencyRecord{
			Scope:         scope,
			Key:           req.IdempotencyKey,
			Fingerprint:   fp,
			AppointmentID: appt.ID,
			CreatedAt:     now,
		})
	}
	reserved, err := s.guard.Reserve(ctx, appt, lookup, remember)
	switch {
	case errors.Is(err, errReplayed):
		return s.settle(ctx, *replayed)
	case errors.Is(err, ledger.ErrDuplicateKey):
		// Another request with the same key committed first.
		prior, ok, rerr := s.replayCreate(ctx, s.store(), scope, req.IdempotencyKey, fp)
		if rerr != nil {
			return model.Appointment{}, rerr
		}
		if !ok {
			return model.Appointment{}, err
		}
		return s.settle(ctx, prior)
	case err != nil:
		return model.Appointment{}, err
	}

	s.logger.InfoContext(ctx, "appointment reserved",
		"appointment_id", reserved.ID,
		"staff_id", reserved.StaffID,
		"start_utc", reserved.StartUTC.Format(time.RFC3339),
	)
	return s.settle(ctx, reserved)
}

var errReplayed = errors.New("idempotent replay")

type idempotencySource interface {
	LookupIdempotency(ctx context.Context, scope, key string) (ledger.IdempotencyRecord, bool, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
}

func (s *Service) replayCreate(ctx context.Context, src idempotencySource, scope, key, fp string) (model.Appointment, bool, error) {
	rec, ok, err := src.LookupIdempotency(ctx, scope, key)
	if err != nil || !ok {
		return model.Appointment{}, false, err
	}
	if rec.Fingerprint != fp {
		return model.Appointment{}, true, apperr.ErrIdempotencyMismatch
	}
	appt, err := src.Get(ctx, rec.AppointmentID)
	return appt, true, err
}

// settle drives a pending appointment through the payment gate. Appointments that already left
// pending are returned as they are.
func (s *Service) settle(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	if appt.Status != model.StatusPending {
		return appt, nil
	}
	err := s.gate.Authorize(ctx, appt)
	switch {
	case err == nil:
		confirmed, changed, err := s.guard.Transition(ctx, appt.StaffID, appt.ID, model.StatusConfirmed, "")
		if err != nil {
			if errors.Is(err, apperr.ErrInvalidTransition) {
				return confirmed, fmt.Errorf("%w: hold on %s expired before payment settled", apperr.ErrSlotUnavailable, appt.ID)
			}
			return appt, err
		}
		if changed {
			s.notify(ctx, notify.EventConfirmed, confirmed, "")
		}
		return confirmed, nil
	case errors.Is(err, apperr.ErrPaymentDeclined):
		cancelled, _, terr := s.guard.Transition(ctx, appt.StaffID, appt.ID, model.StatusCancelled, ReasonPaymentDeclined)
		if terr != nil {
			s.logger.WarnContext(ctx, "release after declined payment failed", "appointment_id", appt.ID, "err", terr)
			return appt, err
		}
		return cancelled, err
	default:
		s.logger.WarnContext(ctx, "payment gate unavailable, appointment left pending",
			"appointment_id", appt.ID,
			"expires_at", appt.ExpiresAt,
			"err", err,
		)
		if !errors.Is(err, apperr.ErrPaymentUnavailable) {
			err = fmt.Errorf("%w: %v", apperr.ErrPaymentUnavailable, err)
		}
		return appt, err
	}
}

// CancelAppointment releases the slot. Cancelling a cancelled appointment returns it unchanged.
func (s *Service) CancelAppointment(ctx context.Context, id, reason string) (model.Appointment, error) {
	if reason == "" {
		reason = ReasonClientCancelled
	}
	cur, err := s.store().Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	appt, changed, err := s.guard.Transition(ctx, cur.StaffID, id, model.StatusCancelled, reason)
	if err != nil {
		return model.Appointment{}, err
	}
	if changed {
		s.logger.InfoContext(ctx, "appointment cancelled", "appointment_id", id, "staff_id", appt.StaffID, "reason", reason)
		s.notify(ctx, notify.EventCancelled, appt, "")
	}
	return appt, nil
}

// RescheduleAppointment moves a confirmed appointment to a new start, optionally with another
// staff member or service. The returned appointment is the new, confirmed one.
func (s *Service) RescheduleAppointment(ctx context.Context, req RescheduleRequest) (model.Appointment, error) {
	if req.AppointmentID == "" || req.Start.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: appointment_id and start time are required", apperr.ErrInvalidRequest)
	}
	rreq := reschedule.Request{
		AppointmentID:    req.AppointmentID,
		IdempotencyScope: "reschedule:" + req.AppointmentID,
		IdempotencyKey:   req.IdempotencyKey,
		Fingerprint:      Fingerprint("reschedule", req.AppointmentID, req.StaffID, req.ServiceID, req.Start.UTC().Format(time.RFC3339)),
	}

	replaying := false
	if req.IdempotencyKey != "" {
		_, ok, err := s.store().LookupIdempotency(ctx, rreq.IdempotencyScope, req.IdempotencyKey)
		if err != nil {
			return model.Appointment{}, err
		}
		replaying = ok
	}
	if !replaying {
		old, err := s.store().Get(ctx, req.AppointmentID)
		if err != nil {
			return model.Appointment{}, err
		}
		if old.Status != model.StatusConfirmed {
			return model.Appointment{}, fmt.Errorf("%w: cannot reschedule a %s appointment", apperr.ErrInvalidTransition, old.Status)
		}
		staffID := firstNonEmpty(req.StaffID, old.StaffID)
		serviceID := firstNonEmpty(req.ServiceID, old.ServiceID)
		staff, err := s.dir.Staff(ctx, staffID)
		if err != nil {
			return model.Appointment{}, err
		}
		svc, err := s.dir.Service(ctx, serviceID)
		if err != nil {
			return model.Appointment{}, err
		}
		if err := availability.CheckSlot(staff, svc, req.Start, s.clock.Now()); err != nil {
			return model.Appointment{}, err
		}
		rreq.StaffID = staff.ID
		rreq.ServiceID = svc.ID
		rreq.Start = req.Start.UTC()
		rreq.End = model.AppointmentEnd(req.Start.UTC(), svc, staff)
	}

	res, err := s.coord.Reschedule(ctx, rreq)
	if err != nil {
		return model.Appointment{}, err
	}
	if !res.Replayed {
		s.notify(ctx, notify.EventRescheduled, res.Appointment, res.Previous.ID)
	}
	return res.Appointment, nil
}

func (s *Service) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return s.store().Get(ctx, id)
}

// MarkNoShow is issued by the staff member who owns the appointment once it has started.
// Appointments of other staff members are reported as not found.
func (s *Service) MarkNoShow(ctx context.Context, staffID, id string) (model.Appointment, error) {
	return s.staffTransition(ctx, staffID, id, model.StatusNoShow, notify.EventNoShow)
}

// CompleteAppointment lets the owning staff member close an appointment early; the sweeper
// completes the rest once they end.
func (s *Service) CompleteAppointment(ctx context.Context, staffID, id string) (model.Appointment, error) {
	return s.staffTransition(ctx, staffID, id, model.StatusCompleted, notify.EventCompleted)
}

func (s *Service) staffTransition(ctx context.Context, staffID, id string, to model.Status, eventType string) (model.Appointment, error) {
	cur, err := s.store().Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.StaffID != staffID {
		return model.Appointment{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	if s.clock.Now().Before(cur.StartUTC) {
		return model.Appointment{}, fmt.Errorf("%w: appointment has not started", apperr.ErrInvalidTransition)
	}
	appt, changed, err := s.guard.Transition(ctx, cur.StaffID, id, to, "")
	if err != nil {
		return model.Appointment{}, err
	}
	if changed {
		s.notify(ctx, eventType, appt, "")
	}
	return appt, nil
}

// ConfirmAppointment settles a pending appointment whose payment completed asynchronously.
// paymentRef must match the reference the appointment was booked with.
func (s *Service) ConfirmAppointment(ctx context.Context, id, paymentRef string) (model.Appointment, error) {
	cur, err := s.store().Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.PaymentRef != paymentRef {
		return model.Appointment{}, fmt.Errorf("%w: payment reference does not match appointment %s", apperr.ErrPaymentDeclined, id)
	}
	appt, changed, err := s.guard.Transition(ctx, cur.StaffID, id, model.StatusConfirmed, "")
	if err != nil {
		return model.Appointment{}, err
	}
	if changed {
		s.notify(ctx, notify.EventConfirmed, appt, "")
	}
	return appt, nil
}

func (s *Service) notify(ctx context.Context, eventType string, appt model.Appointment, previousID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:        eventType,
		Appointment: appt,
		PreviousID:  previousID,
		OccurredAt:  s.clock.Now(),
	})
}

// Fingerprint digests the request fields that must match when an idempotency key is reused.
func Fingerprint(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Package reschedule moves an appointment to a new slot as reserve-then-release with
// compensation, so the client always holds exactly one confirmed booking.
package reschedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptsched/libs/clock"
	otelx "github.com/md-rashed-zaman/apptsched/libs/otel"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateRequested       State = "Requested"
	StateNewSlotReserved State = "NewSlotReserved"
	StateOldSlotReleased State = "OldSlotReleased"
	StateCommitted       State = "Committed"
	StateFailed          State = "Failed"
	StateRolledBack      State = "RolledBack"
)

const (
	ReasonRescheduled = "rescheduled"
	ReasonRolledBack  = "reschedule_rolled_back"
)

// Alerter receives conditions a human has to act on.
type Alerter interface {
	Alert(ctx context.Context, msg string, attrs ...any)
}

// LogAlerter writes alerts as ERROR records tagged alert=true.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, msg string, attrs ...any) {
	a.Logger.ErrorContext(ctx, msg, append([]any{"alert", true}, attrs...)...)
}

type Request struct {
	AppointmentID string
	// StaffID and ServiceID default to those of the original appointment.
	StaffID   string
	ServiceID string
	Start     time.Time
	End       time.Time

	IdempotencyScope string
	IdempotencyKey   string
	Fingerprint      string
}

type Result struct {
	Appointment model.Appointment
	Previous    model.Appointment
	Path        []State
	Replayed    bool
}

type Config struct {
	// PendingTTL bounds how long the new slot may stay pending if the process dies between steps.
	PendingTTL time.Duration
	// CompensationTries caps attempts to release the new slot after a failed commit.
	CompensationTries uint
	CompensationDelay time.Duration
}

type Coordinator struct {
	guard   *guard.Guard
	clock   clock.Clock
	logger  *slog.Logger
	alerter Alerter
	cfg     Config
	newID   func() string
	tracer  trace.Tracer
}

func New(g *guard.Guard, clk clock.Clock, logger *slog.Logger, alerter Alerter, cfg Config) *Coordinator {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.CompensationTries == 0 {
		cfg.CompensationTries = 5
	}
	if cfg.CompensationDelay <= 0 {
		cfg.CompensationDelay = 50 * time.Millisecond
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &Coordinator{
		guard:   g,
		clock:   clk,
		logger:  logger,
		alerter: alerter,
		cfg:     cfg,
		newID:   uuid.NewString,
		tracer:  otelx.Tracer("booking/reschedule"),
	}
}

// Reschedule runs the state machine Requested -> NewSlotReserved -> OldSlotReleased -> Committed.
// A failed reservation ends in Failed with the original untouched. A failed release ends in
// RolledBack once the new slot has been released again; if that also fails the error is
// apperr.ErrCompensationFailed and an alert is raised.
func (c *Coordinator) Reschedule(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "reschedule", trace.WithAttributes(attribute.String("appointment_id", req.AppointmentID)))
	res.Path = []State{StateRequested}
	defer func() {
		path := make([]string, len(res.Path))
		for i, s := range res.Path {
			path[i] = string(s)
		}
		attrs := []any{"appointment_id", req.AppointmentID, "path", strings.Join(path, " -> ")}
		if res.Appointment.ID != "" {
			attrs = append(attrs, "new_appointment_id", res.Appointment.ID)
		}
		if err != nil {
			span.RecordError(err)
			c.logger.WarnContext(ctx, "reschedule finished", append(attrs, "err", err)...)
		} else {
			c.logger.InfoContext(ctx, "reschedule finished", attrs...)
		}
		span.End()
	}()

	store := c.guard.Ledger().Store()
	if replay, ok, err := c.replay(ctx, store, req); err != nil || ok {
		return replay, err
	}

	old, err := store.Get(ctx, req.AppointmentID)
	if err != nil {
		res.Path = append(res.Path, StateFailed)
		return res, err
	}
	res.Previous = old

	next := c.newAppointment(old, req)
	held, err := c.guard.Acquire(ctx, old.StaffID, next.StaffID)
	if err != nil {
		res.Path = append(res.Path, StateFailed)
		return res, err
	}
	defer held.Release(ctx)

	if next.StaffID == old.StaffID && old.Overlaps(next.StartUTC, next.EndUTC) {
		return c.moveInPlace(ctx, held, req, old, next, res)
	}

	// Step 1: reserve the new slot as pending. The original stays confirmed.
	var replayed *Result
	err = held.Tx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if r, ok, err := c.replay(ctx, tx, req); err != nil || ok {
			replayed = &r
			return err
		}
		cur, err := c.loadConfirmed(ctx, tx, old.ID)
		if err != nil {
			return err
		}
		res.Previous = cur
		next.PaymentRef = cur.PaymentRef
		_, err = c.guard.Ledger().Reserve(ctx, tx, next, "")
		return err
	})
	if replayed != nil && err == nil {
		return *replayed, nil
	}
	if err != nil {
		res.Path = append(res.Path, StateFailed)
		return res, err
	}
	res.Path = append(res.Path, StateNewSlotReserved)

	// Step 2: cancel the original and confirm the new appointment atomically.
	var released, confirmed model.Appointment
	err = held.Tx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		released, _, err = c.guard.Ledger().Release(ctx, tx, old.ID, ReasonRescheduled)
		if err != nil {
			return fmt.Errorf("release original: %w", err)
		}
		confirmed, _, err = c.guard.Ledger().Transition(ctx, tx, next.ID, model.StatusConfirmed, "")
		if err != nil {
			return fmt.Errorf("confirm replacement: %w", err)
		}
		return c.saveKey(ctx, tx, req, next.ID)
	})
	if err != nil {
		return c.compensate(ctx, held, req, next, res, err)
	}
	res.Path = append(res.Path, StateOldSlotReleased, StateCommitted)
	res.Previous = released
	res.Appointment = confirmed
	return res, nil
}

// moveInPlace handles a new slot that overlaps the original on the same schedule. Both writes
// happen in one transaction, so the states advance together.
func (c *Coordinator) moveInPlace(ctx context.Context, held *guard.Held, req Request, old, next model.Appointment, res Result) (Result, error) {
	var replayed *Result
	err := held.Tx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if r, ok, err := c.replay(ctx, tx, req); err != nil || ok {
			replayed = &r
			return err
		}
		cur, err := c.loadConfirmed(ctx, tx, old.ID)
		if err != nil {
			return err
		}
		next.PaymentRef = cur.PaymentRef
		next.Status = model.StatusConfirmed
		next.ExpiresAt = nil

		released, _, err := c.guard.Ledger().Release(ctx, tx, cur.ID, ReasonRescheduled)
		if err != nil {
			return err
		}
		reserved, err := c.guard.Ledger().Reserve(ctx, tx, next, cur.ID)
		if err != nil {
			return err
		}
		res.Previous = released
		res.Appointment = reserved
		return c.saveKey(ctx, tx, req, next.ID)
	})
	if replayed != nil && err == nil {
		return *replayed, nil
	}
	if err != nil {
		res.Appointment = model.Appointment{}
		res.Previous = old
		res.Path = append(res.Path, StateFailed)
		return res, err
	}
	res.Path = append(res.Path, StateNewSlotReserved, StateOldSlotReleased, StateCommitted)
	return res, nil
}

func (c *Coordinator) compensate(ctx context.Context, held *guard.Held, req Request, next model.Appointment, res Result, cause error) (Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.CompensationDelay
	bo.MaxInterval = 20 * c.cfg.CompensationDelay

	// The release must finish even if the caller has gone away.
	compCtx := context.WithoutCancel(ctx)
	_, err := backoff.Retry(compCtx, func() (struct{}, error) {
		err := held.Tx(compCtx, func(ctx context.Context, tx ledger.Tx) error {
			_, _, err := c.guard.Ledger().Release(ctx, tx, next.ID, ReasonRolledBack)
			return err
		})
		if errors.Is(err, apperr.ErrNotFound) {
			// Step 1 is committed, so a missing row means there is nothing left to undo.
			return struct{}{}, nil
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.cfg.CompensationTries))
	if err != nil {
		res.Path = append(res.Path, StateFailed)
		c.alerter.Alert(ctx, "reschedule compensation failed: replacement slot still held",
			"appointment_id", req.AppointmentID,
			"replacement_id", next.ID,
			"staff_id", next.StaffID,
			"start_utc", next.StartUTC.Format(time.RFC3339),
			"cause", cause.Error(),
			"err", err,
		)
		return res, fmt.Errorf("%w: replacement %s for %s: %v (release failed: %v)",
			apperr.ErrCompensationFailed, next.ID, req.AppointmentID, cause, err)
	}
	res.Path = append(res.Path, StateRolledBack)
	return res, fmt.Errorf("%w: %v", apperr.ErrRescheduleRolledBack, cause)
}

func (c *Coordinator) newAppointment(old model.Appointment, req Request) model.Appointment {
	now := c.clock.Now()
	expires := now.Add(c.cfg.PendingTTL)
	staffID := req.StaffID
	if staffID == "" {
		staffID = old.StaffID
	}
	serviceID := req.ServiceID
	if serviceID == "" {
		serviceID = old.ServiceID
	}
	return model.Appointment{
		ID:             c.newID(),
		StaffID:        staffID,
		ClientID:       old.ClientID,
		ServiceID:      serviceID,
		StartUTC:       req.Start.UTC(),
		EndUTC:         req.End.UTC(),
		Status:         model.StatusPending,
		RescheduleOfID: old.ID,
		Version:        1,
		PaymentRef:     old.PaymentRef,
		ExpiresAt:      &expires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *Coordinator) loadConfirmed(ctx context.Context, tx ledger.Tx, id string) (model.Appointment, error) {
	cur, err := tx.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.Status != model.StatusConfirmed {
		return cur, fmt.Errorf("%w: cannot reschedule a %s appointment", apperr.ErrInvalidTransition, cur.Status)
	}
	return cur, nil
}

func (c *Coordinator) saveKey(ctx context.Context, tx ledger.Tx, req Request, newID string) error {
	if req.IdempotencyKey == "" {
		return nil
	}
	return tx.SaveIdempotency(ctx, ledger.IdempotencyRecord{
		Scope:         req.IdempotencyScope,
		Key:           req.IdempotencyKey,
		Fingerprint:   req.Fingerprint,
		AppointmentID: newID,
		CreatedAt:     c.clock.Now(),
	})
}

type lookuper interface {
	LookupIdempotency(ctx context.Context, scope, key string) (ledger.IdempotencyRecord, bool, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
}

func (c *Coordinator) replay(ctx context.Context, src lookuper, req Request) (Result, bool, error) {
	if req.IdempotencyKey == "" {
		return Result{}, false, nil
	}
	rec, ok, err := src.LookupIdempotency(ctx, req.IdempotencyScope, req.IdempotencyKey)
	if err != nil || !ok {
		return Result{}, false, err
	}
	if rec.Fingerprint != req.Fingerprint {
		return Result{}, true, apperr.ErrIdempotencyMismatch
	}
	appt, err := src.Get(ctx, rec.AppointmentID)
	if err != nil {
		return Result{}, true, err
	}
	prev, err := src.Get(ctx, req.AppointmentID)
	if err != nil {
		return Result{}, true, err
	}
	return Result{Appointment: appt, Previous: prev, Path: []State{StateRequested, StateCommitted}, Replayed: true}, true, nil
}

// Package notify delivers appointment lifecycle events after their transaction commits.
// Delivery failures never affect the outcome of the booking operation that produced them.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

const (
	EventConfirmed   = "booking.appointment.confirmed.v1"
	EventCancelled   = "booking.appointment.cancelled.v1"
	EventRescheduled = "booking.appointment.rescheduled.v1"
	EventExpired     = "booking.appointment.expired.v1"
	EventCompleted   = "booking.appointment.completed.v1"
	EventNoShow      = "booking.appointment.no_show.v1"
)

// Topics lists every event type this service emits.
var Topics = []string{EventConfirmed, EventCancelled, EventRescheduled, EventExpired, EventCompleted, EventNoShow}

type Event struct {
	Type        string
	Appointment model.Appointment
	// PreviousID is the replaced appointment of a reschedule.
	PreviousID string
	OccurredAt time.Time
}

type payload struct {
	AppointmentID         string    `json:"appointment_id"`
	StaffID               string    `json:"staff_id"`
	ClientID              string    `json:"client_id"`
	ServiceID             string    `json:"service_id"`
	StartUTC              time.Time `json:"start_utc"`
	EndUTC                time.Time `json:"end_utc"`
	Status                string    `json:"status"`
	CancelReason          string    `json:"cancel_reason,omitempty"`
	PreviousAppointmentID string    `json:"previous_appointment_id,omitempty"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// Payload is the JSON body published for evt.
func (e Event) Payload() ([]byte, error) {
	a := e.Appointment
	return json.Marshal(payload{
		AppointmentID:         a.ID,
		StaffID:               a.StaffID,
		ClientID:              a.ClientID,
		ServiceID:             a.ServiceID,
		StartUTC:              a.StartUTC.UTC(),
		EndUTC:                a.EndUTC.UTC(),
		Status:                string(a.Status),
		CancelReason:          a.CancelReason,
		PreviousAppointmentID: e.PreviousID,
		OccurredAt:            e.OccurredAt.UTC(),
	})
}

type Dispatcher interface {
	Dispatch(ctx context.Context, evt Event) error
}

// LogDispatcher writes events to the service log. Used when no broker is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, evt Event) error {
	d.Logger.Info("appointment event",
		"event_type", evt.Type,
		"appointment_id", evt.Appointment.ID,
		"staff_id", evt.Appointment.StaffID,
		"status", evt.Appointment.Status,
		"previous_appointment_id", evt.PreviousID,
	)
	return nil
}

// Async runs Dispatch on a background goroutine detached from the caller's cancellation.
type Async struct {
	next    Dispatcher
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Dispatcher, logger *slog.Logger, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, logger: logger, timeout: timeout}
}

// Notify never blocks on delivery and never returns an error.
func (a *Async) Notify(ctx context.Context, evt Event) {
	detached := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(detached, a.timeout)
		defer cancel()
		if err := a.next.Dispatch(ctx, evt); err != nil {
			a.logger.Warn("notification dispatch failed",
				"event_type", evt.Type,
				"appointment_id", evt.Appointment.ID,
				"err", err,
			)
		}
	}()
}

// Wait blocks until every pending Notify call has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

package model

import (
	"fmt"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted, StatusNoShow},
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return s, nil
	}
	return "", fmt.Errorf("unknown appointment status %q", raw)
}

// Active statuses occupy the staff ledger.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns apperr.ErrInvalidTransition wrapped with both statuses.
func CheckTransition(from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, from, to)
	}
	return nil
}

// Appointment occupies [StartUTC, EndUTC) on its staff member's schedule. EndUTC already includes
// the staff buffer and is derived at creation, never set by callers.
type Appointment struct {
	ID             string
	StaffID        string
	ClientID       string
	ServiceID      string
	StartUTC       time.Time
	EndUTC         time.Time
	Status         Status
	RescheduleOfID string
	Version        int64
	PaymentRef     string
	CancelReason   string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CancelledAt    *time.Time
}

// Overlaps uses half-open intervals: [a,b) and [c,d) overlap iff a < d && c < b.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return a.StartUTC.Before(end) && start.Before(a.EndUTC)
}

// AppointmentEnd derives end_utc from the slot start, service duration and staff buffer.
func AppointmentEnd(start time.Time, svc Service, staff StaffMember) time.Time {
	return start.Add(svc.Duration() + staff.Buffer())
}

// TimeSlot is a bookable start. EndUTC is the end of the service itself, without the buffer.
type TimeSlot struct {
	StartUTC  time.Time `json:"start_utc"`
	EndUTC    time.Time `json:"end_utc"`
	Available bool      `json:"available"`
}

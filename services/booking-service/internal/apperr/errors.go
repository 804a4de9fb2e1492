// Package apperr holds the booking error taxonomy shared by every layer, from the timezone
// helpers up to the HTTP handlers.
package apperr

import "errors"

var (
	ErrSlotUnavailable      = errors.New("slot unavailable")
	ErrInvalidSlotAlignment = errors.New("slot is not aligned to the staff granularity")
	ErrStaffNotFound        = errors.New("staff member not found")
	ErrServiceNotFound      = errors.New("service not found")
	ErrLockTimeout          = errors.New("timed out waiting for staff schedule lock")
	ErrNonexistentLocalTime = errors.New("local time does not exist in timezone")
	ErrInvalidTimezone      = errors.New("unknown timezone")
	ErrInvalidRange         = errors.New("invalid date range")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrNotFound             = errors.New("appointment not found")
	ErrInvalidTransition    = errors.New("invalid appointment status transition")
	ErrConcurrentUpdate     = errors.New("appointment was modified concurrently")
	ErrIdempotencyMismatch  = errors.New("idempotency key reused with a different request")
	ErrPaymentDeclined      = errors.New("payment declined")
	ErrPaymentUnavailable   = errors.New("payment gate unavailable")
	ErrRescheduleRolledBack = errors.New("reschedule rolled back")
	ErrCompensationFailed   = errors.New("reschedule compensation failed")
)

// Retryable reports whether the caller may retry the same request, possibly after refetching
// availability or backing off.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrPaymentUnavailable),
		errors.Is(err, ErrRescheduleRolledBack):
		return true
	default:
		return false
	}
}

package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

// ErrDuplicateKey is returned by Tx.SaveIdempotency when another transaction already stored the
// same scope and key.
var ErrDuplicateKey = errors.New("idempotency key already recorded")

// IdempotencyRecord binds a client supplied key to the appointment it produced. Fingerprint is a
// digest of the original request so a reused key with different input can be rejected.
type IdempotencyRecord struct {
	Scope         string
	Key           string
	Fingerprint   string
	AppointmentID string
	CreatedAt     time.Time
}

// Store is the durable backing of the ledger. Reads outside a Session are unlocked and may be
// stale; writes only happen inside Session.Tx.
type Store interface {
	// Lock serializes schedule mutations for staffIDs until the session is released. It must not
	// wait longer than timeout.
	Lock(ctx context.Context, staffIDs []string, timeout time.Duration) (Session, error)

	Get(ctx context.Context, id string) (model.Appointment, error)
	// ListActive returns pending and confirmed appointments of staffID ordered by start.
	ListActive(ctx context.Context, staffID string) ([]model.Appointment, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error)
	ListEndedConfirmed(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error)
	LookupIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error)
}

type Session interface {
	// Tx runs fn atomically. Nothing fn writes is visible to others unless it returns nil and the
	// commit succeeds.
	Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Release(ctx context.Context)
}

type Tx interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	ActiveOverlapping(ctx context.Context, staffID string, start, end time.Time) ([]model.Appointment, error)
	Insert(ctx context.Context, appt model.Appointment) error
	// Update writes status-related fields of appt when the stored version equals appt.Version and
	// bumps the version. It returns apperr.ErrConcurrentUpdate on a version mismatch.
	Update(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	LookupIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error)
	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
	// AfterCommit registers fn to run once the transaction has committed.
	AfterCommit(fn func())
}

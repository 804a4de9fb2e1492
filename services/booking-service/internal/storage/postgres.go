package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/apptsched/libs/db"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

// PostgresStore keeps the ledger in Postgres. Staff locks are session advisory locks held on a
// dedicated pool connection; the appointments_no_overlap exclusion constraint backs them up.
type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const appointmentColumns = `id, staff_id, client_id, service_id, start_utc, end_utc, status,
	COALESCE(reschedule_of_id, ''), version, payment_ref, cancel_reason, expires_at,
	created_at, updated_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var (
		a      model.Appointment
		status string
	)
	err := row.Scan(&a.ID, &a.StaffID, &a.ClientID, &a.ServiceID, &a.StartUTC, &a.EndUTC, &status,
		&a.RescheduleOfID, &a.Version, &a.PaymentRef, &a.CancelReason, &a.ExpiresAt,
		&a.CreatedAt, &a.UpdatedAt, &a.CancelledAt)
	if err != nil {
		return model.Appointment{}, err
	}
	if a.Status, err = model.ParseStatus(status); err != nil {
		return model.Appointment{}, err
	}
	a.StartUTC = a.StartUTC.UTC()
	a.EndUTC = a.EndUTC.UTC()
	return a, nil
}

func queryAppointments(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, sql string, args ...any) ([]model.Appointment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func notFound(err error, id string) error {
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: appointment %s", apperr.ErrNotFound, id)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	return a, notFound(err, id)
}

func (s *PostgresStore) ListActive(ctx context.Context, staffID string) ([]model.Appointment, error) {
	return queryAppointments(ctx, s.pool, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE staff_id = $1 AND status IN ('pending', 'confirmed')
		ORDER BY start_utc
	`, staffID)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error) {
	return queryAppointments(ctx, s.pool, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
}

func (s *PostgresStore) ListEndedConfirmed(ctx context.Context, now time.Time, limit int) ([]model.Appointment, error) {
	return queryAppointments(ctx, s.pool, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed' AND end_utc <= $1
		ORDER BY end_utc
		LIMIT $2
	`, now, limit)
}

func (s *PostgresStore) LookupIdempotency(ctx context.Context, scope, key string) (ledger.IdempotencyRecord, bool, error) {
	return lookupIdempotency(ctx, s.pool, scope, key)
}

func lookupIdempotency(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, scope, key string) (ledger.IdempotencyRecord, bool, error) {
	rec := ledger.IdempotencyRecord{Scope: scope, Key: key}
	err := q.QueryRow(ctx, `
		SELECT fingerprint, appointment_id, created_at
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
	`, scope, key).Scan(&rec.Fingerprint, &rec.AppointmentID, &rec.CreatedAt)
	if db.IsNotFound(err) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// Lock takes pg_advisory_lock for each staff id in sorted order on one connection. Waiting is
// bounded by lock_timeout and by a context deadline of the same length.
func (s *PostgresStore) Lock(ctx context.Context, staffIDs []string, timeout time.Duration) (ledger.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	sess := &pgSession{conn: conn}

	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := conn.Exec(lockCtx, `SELECT set_config('lock_timeout', $1, false)`, lockTimeoutSetting(timeout)); err != nil {
			sess.Release(ctx)
			return nil, err
		}
	}

	for _, id := range ledger.SortedKeys(staffIDs) {
		if _, err := conn.Exec(lockCtx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, id); err != nil {
			sess.Release(ctx)
			if db.HasCode(err, db.CodeLockNotAvailable) || lockCtx.Err() != nil {
				return nil, fmt.Errorf("%w: staff %s: %v", apperr.ErrLockTimeout, id, err)
			}
			return nil, err
		}
	}
	return sess, nil
}

func lockTimeoutSetting(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10) + "ms"
}

type pgSession struct {
	conn     *pgxpool.Conn
	released bool
}

// Release drops every advisory lock of the session. A connection that cannot be cleaned up is
// closed rather than returned to the pool with locks still held.
func (s *pgSession) Release(ctx context.Context) {
	if s.released {
		return
	}
	s.released = true
	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := s.conn.Exec(cleanCtx, `SELECT pg_advisory_unlock_all(), set_config('lock_timeout', '0', false)`); err != nil {
		_ = s.conn.Conn().Close(cleanCtx)
	}
	s.conn.Release()
}

func (s *pgSession) Tx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	raw, err := s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = raw.Rollback(context.WithoutCancel(ctx)) }()

	tx := &pgTx{tx: raw}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := raw.Commit(ctx); err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

type pgTx struct {
	tx    pgx.Tx
	hooks []func()
}

func (t *pgTx) Get(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	return a, notFound(err, id)
}

func (t *pgTx) ActiveOverlapping(ctx context.Context, staffID string, start, end time.Time) ([]model.Appointment, error) {
	return queryAppointments(ctx, t.tx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE staff_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_utc < $3 AND end_utc > $2
		ORDER BY start_utc
	`, staffID, start, end)
}

func (t *pgTx) Insert(ctx context.Context, a model.Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, staff_id, client_id, service_id, start_utc, end_utc, status, reschedule_of_id,
			 version, payment_ref, cancel_reason, expires_at, created_at, updated_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, a.ID, a.StaffID, a.ClientID, a.ServiceID, a.StartUTC, a.EndUTC, string(a.Status), nullString(a.RescheduleOfID),
		a.Version, a.PaymentRef, a.CancelReason, a.ExpiresAt, a.CreatedAt, a.UpdatedAt, a.CancelledAt)
	if db.HasCode(err, db.CodeExclusionViolation) {
		return fmt.Errorf("%w: %v", apperr.ErrSlotUnavailable, err)
	}
	return err
}

func (t *pgTx) Update(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
			payment_ref = $4,
			cancel_reason = $5,
			expires_at = $6,
			cancelled_at = $7,
			updated_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`, a.ID, a.Version, string(a.Status), a.PaymentRef, a.CancelReason, a.ExpiresAt, a.CancelledAt, a.UpdatedAt).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := t.Get(ctx, a.ID); getErr != nil {
			return model.Appointment{}, getErr
		}
		return model.Appointment{}, fmt.Errorf("%w: %s expected version %d", apperr.ErrConcurrentUpdate, a.ID, a.Version)
	}
	if err != nil {
		if db.HasCode(err, db.CodeExclusionViolation) {
			return model.Appointment{}, fmt.Errorf("%w: %v", apperr.ErrSlotUnavailable, err)
		}
		return model.Appointment{}, err
	}
	a.Version = version
	return a, nil
}

func (t *pgTx) LookupIdempotency(ctx context.Context, scope, key string) (ledger.IdempotencyRecord, bool, error) {
	return lookupIdempotency(ctx, t.tx, scope, key)
}

func (t *pgTx) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (scope, key, fingerprint, appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Scope, rec.Key, rec.Fingerprint, rec.AppointmentID, rec.CreatedAt)
	if db.HasCode(err, db.CodeUniqueViolation) {
		return fmt.Errorf("%w: %s/%s", ledger.ErrDuplicateKey, rec.Scope, rec.Key)
	}
	return err
}

func (t *pgTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package guard serializes schedule mutations per staff member and turns low level lock and
// transaction failures into the booking error taxonomy.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/db"
	otelx "github.com/md-rashed-zaman/apptsched/libs/otel"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultLockTimeout = 3 * time.Second

type Guard struct {
	ledger      *ledger.Ledger
	logger      *slog.Logger
	lockTimeout time.Duration
	tracer      trace.Tracer
}

func New(l *ledger.Ledger, logger *slog.Logger, lockTimeout time.Duration) *Guard {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Guard{
		ledger:      l,
		logger:      logger,
		lockTimeout: lockTimeout,
		tracer:      otelx.Tracer("booking/guard"),
	}
}

func (g *Guard) Ledger() *ledger.Ledger { return g.ledger }

// Held is a set of staff locks kept across several transactions.
type Held struct {
	g       *Guard
	sess    ledger.Session
	staff   []string
	release sync.Once
}

// Acquire takes the locks of every staff member in staffIDs, in sorted order. The caller must
// call Release.
func (g *Guard) Acquire(ctx context.Context, staffIDs ...string) (*Held, error) {
	keys := ledger.SortedKeys(staffIDs)
	ctx, span := g.tracer.Start(ctx, "guard.acquire", trace.WithAttributes(attribute.StringSlice("staff_ids", keys)))
	start := time.Now()
	sess, err := g.ledger.Store().Lock(ctx, keys, g.lockTimeout)
	if err != nil {
		err = g.translate(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if errors.Is(err, apperr.ErrLockTimeout) {
			g.logger.Warn("staff lock timeout", "staff_ids", keys, "waited_ms", time.Since(start).Milliseconds())
		}
		return nil, err
	}
	span.End()
	return &Held{g: g, sess: sess, staff: keys}, nil
}

// Tx runs fn in one transaction under the held locks.
func (h *Held) Tx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return h.g.translate(h.sess.Tx(ctx, fn))
}

func (h *Held) Release(ctx context.Context) {
	if h == nil {
		return
	}
	h.release.Do(func() { h.sess.Release(ctx) })
}

// Do runs fn in a single transaction while holding the locks of staffIDs.
func (g *Guard) Do(ctx context.Context, staffIDs []string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	held, err := g.Acquire(ctx, staffIDs...)
	if err != nil {
		return err
	}
	defer held.Release(ctx)
	return held.Tx(ctx, fn)
}

// TxHook runs inside the reservation transaction. A non-nil error aborts the reservation.
type TxHook func(ctx context.Context, tx ledger.Tx) error

// Reserve commits appt if its interval is still free at commit time. The first reservation to
// commit wins; every other overlapping attempt fails with apperr.ErrSlotUnavailable.
//
// before runs under the lock ahead of the overlap check, after runs once the row is written.
// Either may be nil.
func (g *Guard) Reserve(ctx context.Context, appt model.Appointment, before, after TxHook) (model.Appointment, error) {
	ctx, span := g.tracer.Start(ctx, "guard.reserve", trace.WithAttributes(
		attribute.String("staff_id", appt.StaffID),
		attribute.String("appointment_id", appt.ID),
	))
	defer span.End()

	var out model.Appointment
	err := g.Do(ctx, []string{appt.StaffID}, func(ctx context.Context, tx ledger.Tx) error {
		if before != nil {
			if err := before(ctx, tx); err != nil {
				return err
			}
		}
		var err error
		out, err = g.ledger.Reserve(ctx, tx, appt, "")
		if err != nil {
			return err
		}
		if after != nil {
			return after(ctx, tx)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Appointment{}, err
	}
	return out, nil
}

// Transition applies a single status change under the staff lock of the appointment.
func (g *Guard) Transition(ctx context.Context, staffID, id string, to model.Status, reason string) (model.Appointment, bool, error) {
	var (
		out     model.Appointment
		changed bool
	)
	err := g.Do(ctx, []string{staffID}, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, changed, err = g.ledger.Transition(ctx, tx, id, to, reason)
		return err
	})
	return out, changed, err
}

// translate maps store and driver failures onto the booking taxonomy. Errors that already carry a
// taxonomy sentinel pass through unchanged.
func (g *Guard) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case db.HasCode(err, db.CodeExclusionViolation),
		db.HasCode(err, db.CodeSerialization),
		db.HasCode(err, db.CodeDeadlockDetected):
		return fmt.Errorf("%w: %v", apperr.ErrSlotUnavailable, err)
	case db.HasCode(err, db.CodeLockNotAvailable),
		errors.Is(err, context.DeadlineExceeded):
		if errors.Is(err, apperr.ErrLockTimeout) {
			return err
		}
		return fmt.Errorf("%w: %v", apperr.ErrLockTimeout, err)
	default:
		return err
	}
}

// Package ledger is the authoritative record of occupied intervals per staff member.
//
// Reads go through a cached, per-staff Index rebuilt from the Store; writes go through a Tx
// obtained from a locked Session so they are serialized per staff member.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"golang.org/x/sync/singleflight"
)

// Interval is an occupied range [Start, End) on a staff schedule.
type Interval struct {
	Start         time.Time
	End           time.Time
	AppointmentID string
}

type cachedIndex struct {
	idx     *Index
	builtAt time.Time
}

type Ledger struct {
	store Store
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	indexes map[string]cachedIndex
	gens    map[string]uint64
	group   singleflight.Group
}

// New returns a ledger whose read index is rebuilt at most every ttl per staff member, or sooner
// when a local write invalidates it. A zero ttl disables caching.
func New(store Store, clk clock.Clock, ttl time.Duration) *Ledger {
	return &Ledger{
		store:   store,
		clock:   clk,
		ttl:     ttl,
		indexes: map[string]cachedIndex{},
		gens:    map[string]uint64{},
	}
}

func (l *Ledger) Store() Store { return l.store }

// Overlaps is a read-only check against the cached index.
func (l *Ledger) Overlaps(ctx context.Context, staffID string, start, end time.Time) (bool, error) {
	idx, err := l.index(ctx, staffID)
	if err != nil {
		return false, err
	}
	return idx.Overlaps(start, end), nil
}

// Busy returns occupied intervals of staffID that overlap [from, to).
func (l *Ledger) Busy(ctx context.Context, staffID string, from, to time.Time) ([]Interval, error) {
	idx, err := l.index(ctx, staffID)
	if err != nil {
		return nil, err
	}
	return idx.Query(from, to), nil
}

// Reserve inserts appt after re-checking the current state inside tx. The caller must hold the
// staff lock for appt.StaffID. ignoreID lets a reschedule overlap the appointment it replaces
// when both writes happen in the same transaction.
func (l *Ledger) Reserve(ctx context.Context, tx Tx, appt model.Appointment, ignoreID string) (model.Appointment, error) {
	if !appt.Status.Active() {
		return model.Appointment{}, fmt.Errorf("reserve requires an active status, got %s", appt.Status)
	}
	if !appt.EndUTC.After(appt.StartUTC) {
		return model.Appointment{}, fmt.Errorf("%w: empty interval", apperr.ErrInvalidRange)
	}
	conflicts, err := tx.ActiveOverlapping(ctx, appt.StaffID, appt.StartUTC, appt.EndUTC)
	if err != nil {
		return model.Appointment{}, err
	}
	for _, c := range conflicts {
		if c.ID != ignoreID {
			return model.Appointment{}, fmt.Errorf("%w: overlaps appointment %s", apperr.ErrSlotUnavailable, c.ID)
		}
	}
	if err := tx.Insert(ctx, appt); err != nil {
		return model.Appointment{}, err
	}
	tx.AfterCommit(func() { l.Invalidate(appt.StaffID) })
	return appt, nil
}

// Transition moves appointment id to status to, recording reason for cancellations. Repeating a
// transition that already happened is a no-op and reports changed=false.
func (l *Ledger) Transition(ctx context.Context, tx Tx, id string, to model.Status, reason string) (appt model.Appointment, changed bool, err error) {
	cur, err := tx.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, false, err
	}
	if cur.Status == to {
		return cur, false, nil
	}
	if err := model.CheckTransition(cur.Status, to); err != nil {
		return cur, false, err
	}

	now := l.clock.Now()
	next := cur
	next.Status = to
	next.UpdatedAt = now
	if to == model.StatusCancelled {
		next.CancelReason = reason
		next.CancelledAt = &now
	}
	if to != model.StatusPending {
		next.ExpiresAt = nil
	}
	updated, err := tx.Update(ctx, next)
	if err != nil {
		return cur, false, err
	}
	if cur.Status.Active() != updated.Status.Active() {
		tx.AfterCommit(func() { l.Invalidate(cur.StaffID) })
	}
	return updated, true, nil
}

// Release frees the interval of appointment id by cancelling it. Releasing an appointment that is
// already cancelled is a no-op; a missing one is apperr.ErrNotFound.
func (l *Ledger) Release(ctx context.Context, tx Tx, id, reason string) (model.Appointment, bool, error) {
	return l.Transition(ctx, tx, id, model.StatusCancelled, reason)
}

// Invalidate drops the cached index of staffID. Rebuilds already in flight will not store their
// result.
func (l *Ledger) Invalidate(staffID string) {
	l.mu.Lock()
	delete(l.indexes, staffID)
	l.gens[staffID]++
	l.mu.Unlock()
}

// rebuildTimeout bounds a shared index rebuild.
const rebuildTimeout = 5 * time.Second

func (l *Ledger) index(ctx context.Context, staffID string) (*Index, error) {
	now := l.clock.Now()
	l.mu.Lock()
	cached, ok := l.indexes[staffID]
	gen := l.gens[staffID]
	l.mu.Unlock()
	if ok && l.ttl > 0 && now.Sub(cached.builtAt) < l.ttl {
		return cached.idx, nil
	}

	// Shared by every waiter; a cancelled caller leaves it running.
	ch := l.group.DoChan(staffID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
		defer cancel()
		appts, err := l.store.ListActive(rctx, staffID)
		if err != nil {
			return nil, fmt.Errorf("load ledger for staff %s: %w", staffID, err)
		}
		idx := NewIndex(appts)
		l.mu.Lock()
		if l.ttl > 0 && l.gens[staffID] == gen {
			l.indexes[staffID] = cachedIndex{idx: idx, builtAt: now}
		}
		l.mu.Unlock()
		return idx, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Index), nil
	}
}

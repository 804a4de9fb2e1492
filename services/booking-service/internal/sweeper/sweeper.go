// Package sweeper expires abandoned pending appointments and completes confirmed ones that have
// ended. It runs on a cron schedule; each run is safe to repeat.
//
// A pending hold expires at its expires_at, which booking sets to created_at + PENDING_GRACE.
// The minimum lead time of the staff member plays no part in it.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/notify"
	"github.com/robfig/cron/v3"
)

const ReasonExpired = "expired"

type Notifier interface {
	Notify(ctx context.Context, evt notify.Event)
}

type Stats struct {
	Expired   int
	Completed int
	Failed    int
}

type Sweeper struct {
	guard    *guard.Guard
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier
	batch    int
	cron     *cron.Cron
}

func New(g *guard.Guard, clk clock.Clock, logger *slog.Logger, n Notifier, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{guard: g, clock: clk, logger: logger, notifier: n, batch: batch}
}

// Start schedules RunOnce using a standard cron spec or descriptor such as "@every 30s".
// Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(s.wrappers()...),
	)
	if _, err := c.AddFunc(schedule, func() {
		stats, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "sweep failed", "err", err)
			return
		}
		if stats.Expired+stats.Completed+stats.Failed > 0 {
			s.logger.InfoContext(ctx, "sweep finished", "expired", stats.Expired, "completed", stats.Completed, "failed", stats.Failed)
		}
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// wrappers recover a panicking run and report it through the service logger.
func (s *Sweeper) wrappers() []cron.JobWrapper {
	l := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return []cron.JobWrapper{cron.Recover(l), cron.SkipIfStillRunning(l)}
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.clock.Now()
	store := s.guard.Ledger().Store()

	expired, err := store.ListExpiredPending(ctx, now, s.batch)
	if err != nil {
		return stats, err
	}
	for _, a := range expired {
		appt, changed, err := s.transitionIf(ctx, a, model.StatusCancelled, ReasonExpired, func(cur model.Appointment) bool {
			return cur.Status == model.StatusPending && cur.ExpiresAt != nil && !cur.ExpiresAt.After(now)
		})
		if err != nil {
			stats.Failed++
			s.logger.Warn("expire pending appointment failed", "appointment_id", a.ID, "staff_id", a.StaffID, "err", err)
			continue
		}
		if changed {
			stats.Expired++
			s.notifier.Notify(ctx, notify.Event{Type: notify.EventExpired, Appointment: appt, OccurredAt: now})
		}
	}

	ended, err := store.ListEndedConfirmed(ctx, now, s.batch)
	if err != nil {
		return stats, err
	}
	for _, a := range ended {
		appt, changed, err := s.transitionIf(ctx, a, model.StatusCompleted, "", func(cur model.Appointment) bool {
			return cur.Status == model.StatusConfirmed && !cur.EndUTC.After(now)
		})
		if err != nil {
			stats.Failed++
			s.logger.Warn("complete appointment failed", "appointment_id", a.ID, "staff_id", a.StaffID, "err", err)
			continue
		}
		if changed {
			stats.Completed++
			s.notifier.Notify(ctx, notify.Event{Type: notify.EventCompleted, Appointment: appt, OccurredAt: now})
		}
	}
	return stats, nil
}

// transitionIf re-reads the appointment under the staff lock and only transitions it when still
// eligible; it may have been confirmed or cancelled since it was listed.
func (s *Sweeper) transitionIf(ctx context.Context, a model.Appointment, to model.Status, reason string, eligible func(model.Appointment) bool) (model.Appointment, bool, error) {
	var (
		out     model.Appointment
		changed bool
	)
	err := s.guard.Do(ctx, []string{a.StaffID}, func(ctx context.Context, tx ledger.Tx) error {
		cur, err := tx.Get(ctx, a.ID)
		if err != nil {
			return err
		}
		if !eligible(cur) {
			return nil
		}
		out, changed, err = s.guard.Ledger().Transition(ctx, tx, a.ID, to, reason)
		return err
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return model.Appointment{}, false, nil
	}
	return out, changed, err
}

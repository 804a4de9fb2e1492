package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/libs/db"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

func TestLockTimeoutSetting(t *testing.T) {
	cases := map[time.Duration]string{
		3 * time.Second:        "3000ms",
		250 * time.Millisecond: "250ms",
		time.Microsecond:       "1ms",
	}
	for in, want := range cases {
		if got := lockTimeoutSetting(in); got != want {
			t.Fatalf("expected %s for %v, got %s", want, in, got)
		}
	}
}

func TestNullString(t *testing.T) {
	if nullString("") != nil {
		t.Fatalf("expected nil for empty string")
	}
	if nullString("a") != "a" {
		t.Fatalf("expected value passthrough")
	}
}

// openTestPool connects to BOOKING_TEST_DATABASE_URL; the integration tests skip without it.
func openTestPool(t *testing.T) *db.Pool {
	t.Helper()
	url := os.Getenv("BOOKING_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BOOKING_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, db.PoolConfig{MaxConns: 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func testAppointment(staffID string, start time.Time) model.Appointment {
	now := time.Now().UTC()
	return model.Appointment{
		ID:        uuid.NewString(),
		StaffID:   staffID,
		ClientID:  "client-1",
		ServiceID: "svc-1",
		StartUTC:  start,
		EndUTC:    start.Add(45 * time.Minute),
		Status:    model.StatusConfirmed,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresConcurrentReserveSingleWinner(t *testing.T) {
	pool := openTestPool(t)
	store := NewPostgresStore(pool)
	l := ledger.New(store, clock.Real(), 0)
	staffID := "staff-" + uuid.NewString()
	start := time.Date(2030, 1, 7, 14, 0, 0, 0, time.UTC)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := store.Lock(context.Background(), []string{staffID}, 5*time.Second)
			if err != nil {
				return
			}
			defer sess.Release(context.Background())
			err = sess.Tx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
				_, err := l.Reserve(ctx, tx, testAppointment(staffID, start), "")
				return err
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, apperr.ErrSlotUnavailable) {
				t.Errorf("expected slot unavailable, got %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestPostgresExclusionConstraintWithoutLock(t *testing.T) {
	pool := openTestPool(t)
	store := NewPostgresStore(pool)
	staffID := "staff-" + uuid.NewString()
	start := time.Date(2030, 1, 8, 14, 0, 0, 0, time.UTC)

	insert := func(a model.Appointment) error {
		sess, err := store.Lock(context.Background(), nil, time.Second)
		if err != nil {
			return err
		}
		defer sess.Release(context.Background())
		return sess.Tx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
			return tx.Insert(ctx, a)
		})
	}
	if err := insert(testAppointment(staffID, start)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := insert(testAppointment(staffID, start.Add(30*time.Minute)))
	if !errors.Is(err, apperr.ErrSlotUnavailable) {
		t.Fatalf("expected exclusion violation as slot unavailable, got %v", err)
	}
}

func TestPostgresLockTimeout(t *testing.T) {
	pool := openTestPool(t)
	store := NewPostgresStore(pool)
	staffID := "staff-" + uuid.NewString()

	first, err := store.Lock(context.Background(), []string{staffID}, time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer first.Release(context.Background())

	_, err = store.Lock(context.Background(), []string{staffID}, 100*time.Millisecond)
	if !errors.Is(err, apperr.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestDirectoryRepositoryIgnoresStaleUpdates(t *testing.T) {
	pool := openTestPool(t)
	repo := NewDirectoryRepository(pool)
	ctx := context.Background()
	id := "staff-" + uuid.NewString()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	staff := model.StaffMember{
		ID:       id,
		Timezone: "America/New_York",
		WorkingHours: map[time.Weekday][]model.LocalInterval{
			time.Monday: {{StartMinute: 9 * 60, EndMinute: 17 * 60}},
		},
		UpdatedAt: t0,
	}
	if changed, err := repo.UpsertStaff(ctx, staff); err != nil || !changed {
		t.Fatalf("expected insert, got changed=%v err=%v", changed, err)
	}
	stale := staff
	stale.Timezone = "Europe/Berlin"
	stale.UpdatedAt = t0.Add(-time.Hour)
	if changed, err := repo.UpsertStaff(ctx, stale); err != nil || changed {
		t.Fatalf("expected stale update ignored, got changed=%v err=%v", changed, err)
	}
	got, err := repo.Staff(ctx, id)
	if err != nil {
		t.Fatalf("staff: %v", err)
	}
	if got.Timezone != "America/New_York" || len(got.WorkingHours[time.Monday]) != 1 {
		t.Fatalf("unexpected staff %+v", got)
	}
	if got.SlotGranularityMinutes != model.DefaultSlotGranularityMinutes {
		t.Fatalf("expected default granularity, got %d", got.SlotGranularityMinutes)
	}
}

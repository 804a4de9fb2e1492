package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/apptsched/libs/clock"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/directory"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/notify"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/reschedule"
)

// Monday 2026-01-05 in New York (EST, UTC-5).
var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func local(hour, minute int) time.Time {
	return time.Date(2026, 1, 5, hour+5, minute, 0, 0, time.UTC)
}

type stubGate struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *stubGate) Authorize(context.Context, model.Appointment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.err
}

func (g *stubGate) set(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc      *Service
	clock    *clock.Fake
	gate     *stubGate
	notifier *recordingNotifier
	store    *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemory()
	weekdays := map[time.Weekday][]model.LocalInterval{}
	for d := time.Monday; d <= time.Friday; d++ {
		weekdays[d] = []model.LocalInterval{{StartMinute: 9 * 60, EndMinute: 17 * 60}}
	}
	for _, id := range []string{"staff-1", "staff-2"} {
		if _, err := dir.UpsertStaff(ctx, model.StaffMember{
			ID:            id,
			Timezone:      "America/New_York",
			WorkingHours:  weekdays,
			BufferMinutes: 15,
		}); err != nil {
			t.Fatalf("seed staff: %v", err)
		}
	}
	if _, err := dir.UpsertService(ctx, model.Service{ID: "cut", DurationMinutes: 45}); err != nil {
		t.Fatalf("seed service: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore()
	g := guard.New(ledger.New(store, clk, time.Minute), logger, time.Second)
	gate := &stubGate{}
	rec := &recordingNotifier{}
	svc := New(Deps{
		Directory:   dir,
		Guard:       g,
		Coordinator: reschedule.New(g, clk, logger, nil, reschedule.Config{CompensationDelay: time.Millisecond}),
		Gate:        gate,
		Notifier:    rec,
		Clock:       clk,
		Logger:      logger,
	})
	ids := 0
	var mu sync.Mutex
	svc.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		ids++
		return fmt.Sprintf("appt-%d", ids)
	}
	return &fixture{svc: svc, clock: clk, gate: gate, notifier: rec, store: store}
}

func (f *fixture) create(t *testing.T, client string, start time.Time) model.Appointment {
	t.Helper()
	appt, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		StaffID: "staff-1", ServiceID: "cut", ClientID: client, Start: start,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return appt
}

func hasStart(slots []model.TimeSlot, start time.Time) bool {
	for _, s := range slots {
		if s.StartUTC.Equal(start) {
			return true
		}
	}
	return false
}

func TestCreateConfirmsAndBlocksSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.create(t, "client-1", local(10, 0))
	if appt.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", appt.Status)
	}
	if !appt.EndUTC.Equal(local(11, 0)) {
		t.Fatalf("expected end to include the buffer, got %s", appt.EndUTC)
	}
	if appt.ExpiresAt != nil {
		t.Fatalf("expected expiry cleared on confirm")
	}
	if got := f.notifier.types(); len(got) != 1 || got[0] != notify.EventConfirmed {
		t.Fatalf("expected one confirmed event, got %v", got)
	}

	slots, err := f.svc.GetAvailableSlots(ctx, SlotQuery{StaffID: "staff-1", ServiceID: "cut", From: monday, To: monday})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if !hasStart(slots, local(9, 0)) {
		t.Fatalf("expected 09:00 free, its buffer ends as the booking starts")
	}
	for _, blocked := range []time.Time{local(9, 15), local(10, 0), local(10, 45)} {
		if hasStart(slots, blocked) {
			t.Fatalf("expected %s blocked", blocked.Format(time.RFC3339))
		}
	}
	if !hasStart(slots, local(11, 0)) {
		t.Fatalf("expected 11:00 free")
	}
}

func TestGetAvailableSlotsEmptyDay(t *testing.T) {
	f := newFixture(t)
	sunday := monday.AddDate(0, 0, -1)
	slots, err := f.svc.GetAvailableSlots(context.Background(), SlotQuery{StaffID: "staff-1", ServiceID: "cut", From: sunday, To: sunday})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if slots == nil || len(slots) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", slots)
	}
}

func TestGetAvailableSlotsUnknownStaff(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetAvailableSlots(context.Background(), SlotQuery{StaffID: "nobody", ServiceID: "cut", From: monday, To: monday})
	if !errors.Is(err, apperr.ErrStaffNotFound) {
		t.Fatalf("expected staff not found, got %v", err)
	}
}

func TestConcurrentCreatesSingleWinner(t *testing.T) {
	f := newFixture(t)
	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
				StaffID: "staff-1", ServiceID: "cut", ClientID: fmt.Sprintf("client-%d", i), Start: local(13, 0),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrSlotUnavailable):
				refused++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || refused != n-1 {
		t.Fatalf("expected 1 win and %d refusals, got %d and %d", n-1, wins, refused)
	}
}

func TestCreateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "client-1", Start: local(14, 0), IdempotencyKey: "k1"}

	first, err := f.svc.CreateAppointment(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.CreateAppointment(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, second.ID)
	}
	active, _ := f.store.ListActive(ctx, "staff-1")
	if len(active) != 1 {
		t.Fatalf("expected a single appointment, got %d", len(active))
	}

	req.Start = local(15, 0)
	if _, err := f.svc.CreateAppointment(ctx, req); !errors.Is(err, apperr.ErrIdempotencyMismatch) {
		t.Fatalf("expected idempotency mismatch, got %v", err)
	}
}

// pausingDirectory parks the first Staff lookup until release is closed.
type pausingDirectory struct {
	directory.Directory
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (d *pausingDirectory) Staff(ctx context.Context, id string) (model.StaffMember, error) {
	first := false
	d.once.Do(func() { first = true })
	if first {
		close(d.paused)
		<-d.release
	}
	return d.Directory.Staff(ctx, id)
}

func TestCreateRetryRacingFirstAttemptReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := &pausingDirectory{Directory: f.svc.dir, paused: make(chan struct{}), release: make(chan struct{})}
	f.svc.dir = dir
	req := CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "client-1", Start: local(14, 0), IdempotencyKey: "k1"}

	// The retry clears the unlocked key check, then waits while the first attempt commits.
	type outcome struct {
		appt model.Appointment
		err  error
	}
	retried := make(chan outcome, 1)
	go func() {
		appt, err := f.svc.CreateAppointment(ctx, req)
		retried <- outcome{appt, err}
	}()
	<-dir.paused

	first, err := f.svc.CreateAppointment(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	close(dir.release)
	retry := <-retried

	if retry.err != nil {
		t.Fatalf("expected the retry to replay %s, got %v", first.ID, retry.err)
	}
	if retry.appt.ID != first.ID || retry.appt.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed %s, got %s %s", first.ID, retry.appt.ID, retry.appt.Status)
	}
	active, _ := f.store.ListActive(ctx, "staff-1")
	if len(active) != 1 {
		t.Fatalf("expected a single appointment, got %d", len(active))
	}
	if f.gate.calls != 1 {
		t.Fatalf("expected one payment authorization, got %d", f.gate.calls)
	}
}

func TestCreateDeclinedPaymentReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gate.set(apperr.ErrPaymentDeclined)

	appt, err := f.svc.CreateAppointment(ctx, CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "c", Start: local(9, 0)})
	if !errors.Is(err, apperr.ErrPaymentDeclined) {
		t.Fatalf("expected payment declined, got %v", err)
	}
	if appt.Status != model.StatusCancelled || appt.CancelReason != ReasonPaymentDeclined {
		t.Fatalf("expected cancelled/%s, got %s/%s", ReasonPaymentDeclined, appt.Status, appt.CancelReason)
	}

	f.gate.set(nil)
	if _, err := f.svc.CreateAppointment(ctx, CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "d", Start: local(9, 0)}); err != nil {
		t.Fatalf("expected slot free again, got %v", err)
	}
}

func TestCreateGateUnavailableKeepsPendingUntilReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gate.set(apperr.ErrPaymentUnavailable)
	req := CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "c", Start: local(9, 0), IdempotencyKey: "pay-1", PaymentRef: "pi_1"}

	appt, err := f.svc.CreateAppointment(ctx, req)
	if !errors.Is(err, apperr.ErrPaymentUnavailable) {
		t.Fatalf("expected payment unavailable, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Fatalf("expected retryable error")
	}
	if appt.Status != model.StatusPending || appt.ExpiresAt == nil {
		t.Fatalf("expected pending hold with expiry, got %+v", appt)
	}
	// The hold lasts the default grace from creation, whatever the lead time to the start.
	if want := f.clock.Now().Add(15 * time.Minute); !appt.ExpiresAt.Equal(want) {
		t.Fatalf("expected hold to expire at %s, got %s", want, appt.ExpiresAt)
	}

	f.gate.set(nil)
	replayed, err := f.svc.CreateAppointment(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ID != appt.ID || replayed.Status != model.StatusConfirmed {
		t.Fatalf("expected %s confirmed, got %s %s", appt.ID, replayed.ID, replayed.Status)
	}
	if f.gate.calls != 2 {
		t.Fatalf("expected gate re-run on replay, got %d calls", f.gate.calls)
	}
}

func TestCreateRejectsBadSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"misaligned", CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "c", Start: local(9, 7)}, apperr.ErrInvalidSlotAlignment},
		{"after hours", CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "c", Start: local(16, 30)}, apperr.ErrSlotUnavailable},
		{"unknown staff", CreateRequest{StaffID: "ghost", ServiceID: "cut", ClientID: "c", Start: local(9, 0)}, apperr.ErrStaffNotFound},
		{"unknown service", CreateRequest{StaffID: "staff-1", ServiceID: "ghost", ClientID: "c", Start: local(9, 0)}, apperr.ErrServiceNotFound},
		{"missing client", CreateRequest{StaffID: "staff-1", ServiceID: "cut", Start: local(9, 0)}, apperr.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreateAppointment(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.create(t, "c", local(9, 0))

	first, err := f.svc.CancelAppointment(ctx, appt.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.Status != model.StatusCancelled || first.CancelReason != ReasonClientCancelled {
		t.Fatalf("expected cancelled/%s, got %s/%s", ReasonClientCancelled, first.Status, first.CancelReason)
	}
	second, err := f.svc.CancelAppointment(ctx, appt.ID, "")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("expected repeat cancel to change nothing")
	}
	if got := f.notifier.types(); len(got) != 2 || got[1] != notify.EventCancelled {
		t.Fatalf("expected confirmed then one cancelled event, got %v", got)
	}
	if _, err := f.svc.CancelAppointment(ctx, "missing", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRescheduleMovesBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.create(t, "c", local(9, 0))

	moved, err := f.svc.RescheduleAppointment(ctx, RescheduleRequest{AppointmentID: appt.ID, Start: local(14, 0), IdempotencyKey: "r1"})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.Status != model.StatusConfirmed || moved.RescheduleOfID != appt.ID {
		t.Fatalf("unexpected new appointment %+v", moved)
	}
	old, _ := f.svc.GetAppointment(ctx, appt.ID)
	if old.Status != model.StatusCancelled || old.CancelReason != reschedule.ReasonRescheduled {
		t.Fatalf("expected original cancelled as rescheduled, got %s/%s", old.Status, old.CancelReason)
	}

	again, err := f.svc.RescheduleAppointment(ctx, RescheduleRequest{AppointmentID: appt.ID, Start: local(14, 0), IdempotencyKey: "r1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != moved.ID {
		t.Fatalf("expected replay to return %s, got %s", moved.ID, again.ID)
	}
	events := f.notifier.types()
	if len(events) != 2 || events[1] != notify.EventRescheduled {
		t.Fatalf("expected a single rescheduled event, got %v", events)
	}
}

func TestRescheduleToTakenSlotKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.create(t, "a", local(9, 0))
	f.create(t, "b", local(14, 0))

	_, err := f.svc.RescheduleAppointment(ctx, RescheduleRequest{AppointmentID: mine.ID, Start: local(14, 0)})
	if !errors.Is(err, apperr.ErrSlotUnavailable) {
		t.Fatalf("expected slot unavailable, got %v", err)
	}
	cur, _ := f.svc.GetAppointment(ctx, mine.ID)
	if cur.Status != model.StatusConfirmed {
		t.Fatalf("expected original still confirmed, got %s", cur.Status)
	}
}

func TestRescheduleToOtherStaff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.create(t, "c", local(9, 0))

	moved, err := f.svc.RescheduleAppointment(ctx, RescheduleRequest{AppointmentID: appt.ID, StaffID: "staff-2", Start: local(9, 0)})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.StaffID != "staff-2" {
		t.Fatalf("expected staff-2, got %s", moved.StaffID)
	}
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.create(t, "c", local(9, 0))

	if _, err := f.svc.MarkNoShow(ctx, "staff-2", appt.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected other staff to get not found, got %v", err)
	}
	if _, err := f.svc.MarkNoShow(ctx, "staff-1", appt.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected no-show before start rejected, got %v", err)
	}
	f.clock.Set(local(9, 20))
	got, err := f.svc.MarkNoShow(ctx, "staff-1", appt.ID)
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if got.Status != model.StatusNoShow {
		t.Fatalf("expected no_show, got %s", got.Status)
	}
	if _, err := f.svc.CancelAppointment(ctx, appt.ID, ""); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected terminal appointment to refuse cancel, got %v", err)
	}
}

func TestCompleteAppointmentEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.create(t, "c", local(9, 0))

	f.clock.Set(local(9, 30))
	if _, err := f.svc.CompleteAppointment(ctx, "staff-2", appt.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected other staff to get not found, got %v", err)
	}
	got, err := f.svc.CompleteAppointment(ctx, "staff-1", appt.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	again, err := f.svc.CompleteAppointment(ctx, "staff-1", appt.ID)
	if err != nil || again.Status != model.StatusCompleted {
		t.Fatalf("expected repeat to be a no-op, got %s (err=%v)", again.Status, err)
	}
	types := f.notifier.types()
	if types[len(types)-1] != notify.EventCompleted {
		t.Fatalf("expected completed event last, got %v", types)
	}
	completed := 0
	for _, typ := range types {
		if typ == notify.EventCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one completed event, got %d", completed)
	}
}

func TestConfirmAppointmentChecksPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gate.set(apperr.ErrPaymentUnavailable)
	appt, _ := f.svc.CreateAppointment(ctx, CreateRequest{StaffID: "staff-1", ServiceID: "cut", ClientID: "c", Start: local(9, 0), PaymentRef: "pi_9"})

	if _, err := f.svc.ConfirmAppointment(ctx, appt.ID, "pi_other"); !errors.Is(err, apperr.ErrPaymentDeclined) {
		t.Fatalf("expected mismatch to be declined, got %v", err)
	}
	got, err := f.svc.ConfirmAppointment(ctx, appt.ID, "pi_9")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("create", "s", "svc", "c", "2026-01-05T14:00:00Z", "")
	b := Fingerprint("create", "s", "svc", "c", "2026-01-05T14:00:00Z", "")
	if a != b || len(a) != 64 {
		t.Fatalf("expected stable 32-byte hex digest, got %q and %q", a, b)
	}
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatalf("expected field boundaries to matter")
	}
}

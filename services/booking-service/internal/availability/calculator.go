// Package availability computes bookable slots for one staff member. Everything here is a pure
// function of its inputs: callers pass "now" and the busy intervals they read from the ledger.
package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/tz"
)

// MaxRangeDays caps a single availability query.
const MaxRangeDays = 31

type Request struct {
	Staff   model.StaffMember
	Service model.Service
	// From and To are inclusive calendar dates in the staff member's timezone; only their
	// year, month and day are used.
	From time.Time
	To   time.Time
	Now  time.Time
	// Busy holds active appointments as stored, buffer already included in End.
	Busy []Interval
}

func Calculate(req Request) ([]model.TimeSlot, error) {
	windows, err := Windows(req.Staff, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return Slots(windows, req.Staff, req.Service, req.Busy, req.Now), nil
}

// Windows expands the staff member's weekly working hours into UTC intervals for every date in
// [from, to], sorted by start.
func Windows(staff model.StaffMember, from, to time.Time) ([]Interval, error) {
	from = civil(from)
	to = civil(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s is before %s", apperr.ErrInvalidRange, to.Format(tz.DateLayout), from.Format(tz.DateLayout))
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days requested, at most %d allowed", apperr.ErrInvalidRange, days, MaxRangeDays)
	}
	loc, err := tz.Load(staff.Timezone)
	if err != nil {
		return nil, err
	}

	var out []Interval
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		for _, li := range staff.WorkingHours[d.Weekday()] {
			if iv, ok := tz.WorkingWindow(loc, d, li); ok {
				out = append(out, iv)
			}
		}
	}
	sortByStart(out)
	return out, nil
}

// Bounds is the UTC span a ledger read must cover for windows: the trailing buffer of the last
// slot may reach past the last window.
func Bounds(windows []Interval, buffer time.Duration) (Interval, bool) {
	if len(windows) == 0 {
		return Interval{}, false
	}
	b := Interval{Start: windows[0].Start, End: windows[0].End}
	for _, w := range windows[1:] {
		if w.End.After(b.End) {
			b.End = w.End
		}
	}
	b.End = b.End.Add(buffer)
	return b, true
}

// Slots generates candidates on the staff granularity grid anchored at each window start. A
// candidate t is kept when:
//   - t+duration fits in the window;
//   - [t, t+duration+buffer) touches no busy interval (the buffer may run past the window end);
//   - t >= now + minimum lead.
//
// The result is ordered by start and strictly increasing.
func Slots(windows []Interval, staff model.StaffMember, svc model.Service, busy []Interval, now time.Time) []model.TimeSlot {
	dur := svc.Duration()
	step := staff.Granularity()
	buf := staff.Buffer()
	if dur <= 0 || step <= 0 {
		return nil
	}
	earliest := now.Add(staff.Lead())
	merged := Merge(busy)

	var slots []model.TimeSlot
	var last time.Time
	for _, w := range windows {
		if w.Start.Add(dur).After(w.End) {
			continue
		}
		free := Subtract(Interval{Start: w.Start, End: w.End.Add(buf)}, merged)
		if len(free) == 0 {
			continue
		}
		for t := w.Start; !t.Add(dur).After(w.End); t = t.Add(step) {
			if t.Before(earliest) {
				continue
			}
			if len(slots) > 0 && !t.After(last) {
				continue
			}
			if !contains(free, t, t.Add(dur+buf)) {
				continue
			}
			slots = append(slots, model.TimeSlot{StartUTC: t.UTC(), EndUTC: t.Add(dur).UTC(), Available: true})
			last = t
		}
	}
	return slots
}

// CheckSlot validates a requested start against the same rules Slots applies, minus the busy
// check, which the guard performs under the staff lock. It returns ErrInvalidSlotAlignment for a
// start inside working hours but off the grid and ErrSlotUnavailable for anything outside working
// hours or inside the lead time.
func CheckSlot(staff model.StaffMember, svc model.Service, start, now time.Time) error {
	if svc.Duration() <= 0 {
		return fmt.Errorf("service %s has no duration", svc.ID)
	}
	loc, err := tz.Load(staff.Timezone)
	if err != nil {
		return err
	}
	day := civil(start.In(loc))
	windows, err := Windows(staff, day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	end := start.Add(svc.Duration())
	misaligned := false
	for _, w := range windows {
		if start.Before(w.Start) || end.After(w.End) {
			continue
		}
		if start.Sub(w.Start)%staff.Granularity() != 0 {
			misaligned = true
			continue
		}
		if start.Before(now.Add(staff.Lead())) {
			return fmt.Errorf("%w: inside minimum lead time", apperr.ErrSlotUnavailable)
		}
		return nil
	}
	if misaligned {
		return fmt.Errorf("%w: %s", apperr.ErrInvalidSlotAlignment, start.UTC().Format(time.RFC3339))
	}
	return fmt.Errorf("%w: outside working hours", apperr.ErrSlotUnavailable)
}

func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sortByStart(in []Interval) {
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })
}

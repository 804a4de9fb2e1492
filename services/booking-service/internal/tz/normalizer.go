// Package tz converts between wall-clock times in a named timezone and absolute UTC instants.
//
// Resolution rules:
//   - a wall time inside a spring-forward gap does not exist and yields apperr.ErrNonexistentLocalTime;
//   - a wall time inside a fall-back overlap maps to two instants and always resolves to the earlier one.
package tz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// Interval is a half-open UTC range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

var locations sync.Map // name -> *time.Location

func Load(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", apperr.ErrInvalidTimezone)
	}
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", apperr.ErrInvalidTimezone, name)
	}
	locations.Store(name, loc)
	return loc, nil
}

// LocalToUTC resolves the wall time minute (minutes since local midnight, 1440 allowed) on day in
// loc. Only the calendar fields of day are used.
func LocalToUTC(loc *time.Location, day time.Time, minute int) (time.Time, error) {
	c := candidates(loc, day, minute)
	if len(c) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s %s in %s", apperr.ErrNonexistentLocalTime,
			day.Format(DateLayout), formatMinute(minute), loc)
	}
	return c[0], nil
}

// LocalWindowToUTC converts a local [startMinute, endMinute) window on day to UTC. Either boundary
// falling in a DST gap is an error.
func LocalWindowToUTC(staffTimezone string, day time.Time, startMinute, endMinute int) (Interval, error) {
	loc, err := Load(staffTimezone)
	if err != nil {
		return Interval{}, err
	}
	return localWindow(loc, day, startMinute, endMinute, false)
}

// WorkingWindow expands a working-hours interval for day. Unlike LocalWindowToUTC a boundary
// inside a DST gap is moved to the end of the gap, so a shift that starts at 02:00 on a
// spring-forward day starts at 03:00 instead of disappearing.
func WorkingWindow(loc *time.Location, day time.Time, li model.LocalInterval) (Interval, bool) {
	iv, err := localWindow(loc, day, li.StartMinute, li.EndMinute, true)
	if err != nil || !iv.End.After(iv.Start) {
		return Interval{}, false
	}
	return iv, true
}

// ClientInputToUTC parses a client supplied date ("2006-01-02") and clock ("15:04") in
// clientTimezone.
func ClientInputToUTC(clientTimezone, date, clock string) (time.Time, error) {
	loc, err := Load(clientTimezone)
	if err != nil {
		return time.Time{}, err
	}
	day, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, expected YYYY-MM-DD", apperr.ErrInvalidRequest, date)
	}
	hm, err := time.Parse(ClockLayout, strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q, expected HH:MM", apperr.ErrInvalidRequest, clock)
	}
	return LocalToUTC(loc, day, hm.Hour()*60+hm.Minute())
}

func localWindow(loc *time.Location, day time.Time, startMinute, endMinute int, clampGap bool) (Interval, error) {
	li := model.LocalInterval{StartMinute: startMinute, EndMinute: endMinute}
	if !li.Valid() {
		return Interval{}, fmt.Errorf("%w: local window %s-%s", apperr.ErrInvalidRange, formatMinute(startMinute), formatMinute(endMinute))
	}
	resolve := LocalToUTC
	if clampGap {
		resolve = func(loc *time.Location, day time.Time, minute int) (time.Time, error) {
			return localToUTCForward(loc, day, minute), nil
		}
	}
	start, err := resolve(loc, day, startMinute)
	if err != nil {
		return Interval{}, err
	}
	end, err := resolve(loc, day, endMinute)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: start.UTC(), End: end.UTC()}, nil
}

// localToUTCForward behaves like LocalToUTC but maps a nonexistent wall time to the instant the
// clocks jumped.
func localToUTCForward(loc *time.Location, day time.Time, minute int) time.Time {
	if c := candidates(loc, day, minute); len(c) > 0 {
		return c[0]
	}
	naive := naiveUTC(day, minute)
	_, before := naive.Add(-24 * time.Hour).In(loc).Zone()
	guess := naive.Add(-time.Duration(before) * time.Second)
	if start, _ := guess.In(loc).ZoneBounds(); !start.IsZero() {
		return start.UTC()
	}
	return guess.UTC()
}

// candidates returns every UTC instant whose wall clock in loc equals day+minute, earliest first.
// Offsets are sampled a day either side, which covers any single transition near the wall time.
func candidates(loc *time.Location, day time.Time, minute int) []time.Time {
	naive := naiveUTC(day, minute)
	seen := make(map[int]struct{}, 3)
	var out []time.Time
	for _, probe := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, off := naive.Add(probe).In(loc).Zone()
		if _, ok := seen[off]; ok {
			continue
		}
		seen[off] = struct{}{}
		c := naive.Add(-time.Duration(off) * time.Second)
		if sameWall(c.In(loc), naive) {
			out = append(out, c.UTC())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func naiveUTC(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute)
}

func sameWall(local, naive time.Time) bool {
	y1, m1, d1 := local.Date()
	y2, m2, d2 := naive.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 &&
		local.Hour() == naive.Hour() && local.Minute() == naive.Minute() && local.Second() == naive.Second()
}

func formatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

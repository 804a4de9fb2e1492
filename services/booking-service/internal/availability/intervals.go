package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/tz"
)

// Interval is a half-open UTC range [Start, End).
type Interval = tz.Interval

// Merge sorts intervals by start and coalesces overlapping or touching ones. The input is not
// modified.
func Merge(in []Interval) []Interval {
	b := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.End.After(iv.Start) {
			b = append(b, iv)
		}
	}
	sort.Slice(b, func(i, j int) bool { return b[i].Start.Before(b[j].Start) })

	merged := make([]Interval, 0, len(b))
	for _, cur := range b {
		if len(merged) == 0 {
			merged = append(merged, cur)
			continue
		}
		last := &merged[len(merged)-1]
		if cur.Start.After(last.End) {
			merged = append(merged, cur)
			continue
		}
		if cur.End.After(last.End) {
			last.End = cur.End
		}
	}
	return merged
}

// Subtract removes merged (sorted, non-overlapping) blocks from base with a single sweep.
func Subtract(base Interval, merged []Interval) []Interval {
	if !base.End.After(base.Start) {
		return nil
	}
	// Skip blocks that end before base starts.
	i := sort.Search(len(merged), func(i int) bool { return merged[i].End.After(base.Start) })

	var out []Interval
	cursor := base.Start
	for ; i < len(merged) && merged[i].Start.Before(base.End); i++ {
		m := merged[i]
		if m.Start.After(cursor) {
			out = append(out, Interval{Start: cursor, End: m.Start})
		}
		if m.End.After(cursor) {
			cursor = m.End
		}
	}
	if base.End.After(cursor) {
		out = append(out, Interval{Start: cursor, End: base.End})
	}
	return out
}

// contains reports whether [start,end) lies inside one interval of sorted, non-overlapping free.
func contains(free []Interval, start, end time.Time) bool {
	i := sort.Search(len(free), func(i int) bool { return free[i].Start.After(start) }) - 1
	if i < 0 {
		return false
	}
	return !free[i].End.Before(end)
}

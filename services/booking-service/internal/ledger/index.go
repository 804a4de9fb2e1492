package ledger

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
)

type entry struct {
	id    string
	start time.Time
	end   time.Time
}

// Index is an immutable, start-ordered view of one staff member's active appointments. maxEnd[i]
// is the largest end among entries[0..i], which keeps the lower bound search valid even if the
// non-overlap invariant were ever broken.
type Index struct {
	entries []entry
	maxEnd  []time.Time
}

func NewIndex(appts []model.Appointment) *Index {
	entries := make([]entry, 0, len(appts))
	for _, a := range appts {
		if !a.Status.Active() || !a.EndUTC.After(a.StartUTC) {
			continue
		}
		entries = append(entries, entry{id: a.ID, start: a.StartUTC, end: a.EndUTC})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start.Before(entries[j].start) })

	maxEnd := make([]time.Time, len(entries))
	for i, e := range entries {
		maxEnd[i] = e.end
		if i > 0 && maxEnd[i-1].After(e.end) {
			maxEnd[i] = maxEnd[i-1]
		}
	}
	return &Index{entries: entries, maxEnd: maxEnd}
}

func (x *Index) Len() int { return len(x.entries) }

// Query returns the intervals overlapping [start, end) in O(log n + k).
func (x *Index) Query(start, end time.Time) []Interval {
	i := sort.Search(len(x.maxEnd), func(i int) bool { return x.maxEnd[i].After(start) })
	var out []Interval
	for ; i < len(x.entries) && x.entries[i].start.Before(end); i++ {
		if x.entries[i].end.After(start) {
			out = append(out, Interval{Start: x.entries[i].start, End: x.entries[i].end, AppointmentID: x.entries[i].id})
		}
	}
	return out
}

func (x *Index) Overlaps(start, end time.Time) bool {
	i := sort.Search(len(x.maxEnd), func(i int) bool { return x.maxEnd[i].After(start) })
	for ; i < len(x.entries) && x.entries[i].start.Before(end); i++ {
		if x.entries[i].end.After(start) {
			return true
		}
	}
	return false
}

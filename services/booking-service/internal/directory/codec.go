package directory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/tz"
)

// StaffRecord is the wire form of a staff member, used by business.staff.updated.v1 payloads and
// the Redis cache.
type StaffRecord struct {
	StaffID                string        `json:"staff_id"`
	Timezone               string        `json:"timezone"`
	WorkingHours           []WorkingSpan `json:"working_hours"`
	BufferMinutes          int           `json:"buffer_minutes"`
	MinimumLeadMinutes     int           `json:"minimum_lead_minutes"`
	SlotGranularityMinutes int           `json:"slot_granularity_minutes"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// WorkingSpan is one local window; End "24:00" means midnight at the end of the day.
type WorkingSpan struct {
	Weekday int    `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type ServiceRecord struct {
	ServiceID       string    `json:"service_id"`
	DurationMinutes int       `json:"duration_minutes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r StaffRecord) Model() (model.StaffMember, error) {
	if strings.TrimSpace(r.StaffID) == "" {
		return model.StaffMember{}, fmt.Errorf("staff_id is required")
	}
	if _, err := tz.Load(r.Timezone); err != nil {
		return model.StaffMember{}, err
	}
	if r.BufferMinutes < 0 || r.MinimumLeadMinutes < 0 || r.SlotGranularityMinutes < 0 {
		return model.StaffMember{}, fmt.Errorf("staff %s: negative minutes", r.StaffID)
	}
	hours := map[time.Weekday][]model.LocalInterval{}
	for _, span := range r.WorkingHours {
		if span.Weekday < 0 || span.Weekday > 6 {
			return model.StaffMember{}, fmt.Errorf("staff %s: weekday %d out of range", r.StaffID, span.Weekday)
		}
		start, err := parseMinute(span.Start)
		if err != nil {
			return model.StaffMember{}, err
		}
		end, err := parseMinute(span.End)
		if err != nil {
			return model.StaffMember{}, err
		}
		li := model.LocalInterval{StartMinute: start, EndMinute: end}
		if !li.Valid() {
			return model.StaffMember{}, fmt.Errorf("staff %s: invalid window %s-%s", r.StaffID, span.Start, span.End)
		}
		wd := time.Weekday(span.Weekday)
		hours[wd] = append(hours[wd], li)
	}
	for wd := range hours {
		sort.Slice(hours[wd], func(i, j int) bool { return hours[wd][i].StartMinute < hours[wd][j].StartMinute })
	}
	return model.StaffMember{
		ID:                     r.StaffID,
		Timezone:               r.Timezone,
		WorkingHours:           hours,
		BufferMinutes:          r.BufferMinutes,
		MinimumLeadMinutes:     r.MinimumLeadMinutes,
		SlotGranularityMinutes: r.SlotGranularityMinutes,
		UpdatedAt:              r.UpdatedAt.UTC(),
	}, nil
}

func StaffRecordFrom(s model.StaffMember) StaffRecord {
	r := StaffRecord{
		StaffID:                s.ID,
		Timezone:               s.Timezone,
		BufferMinutes:          s.BufferMinutes,
		MinimumLeadMinutes:     s.MinimumLeadMinutes,
		SlotGranularityMinutes: s.SlotGranularityMinutes,
		UpdatedAt:              s.UpdatedAt,
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		for _, li := range s.WorkingHours[wd] {
			r.WorkingHours = append(r.WorkingHours, WorkingSpan{
				Weekday: int(wd),
				Start:   formatMinute(li.StartMinute),
				End:     formatMinute(li.EndMinute),
			})
		}
	}
	return r
}

func (r ServiceRecord) Model() (model.Service, error) {
	if strings.TrimSpace(r.ServiceID) == "" {
		return model.Service{}, fmt.Errorf("service_id is required")
	}
	if r.DurationMinutes <= 0 {
		return model.Service{}, fmt.Errorf("service %s: duration_minutes must be positive", r.ServiceID)
	}
	return model.Service{ID: r.ServiceID, DurationMinutes: r.DurationMinutes, UpdatedAt: r.UpdatedAt.UTC()}, nil
}

func ServiceRecordFrom(s model.Service) ServiceRecord {
	return ServiceRecord{ServiceID: s.ID, DurationMinutes: s.DurationMinutes, UpdatedAt: s.UpdatedAt}
}

func parseMinute(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse(tz.ClockLayout, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

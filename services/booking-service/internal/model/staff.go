package model

import "time"

const DefaultSlotGranularityMinutes = 15

// LocalInterval is a wall-clock window in minutes since local midnight. EndMinute may be 1440 to
// mean the following midnight.
type LocalInterval struct {
	StartMinute int
	EndMinute   int
}

func (li LocalInterval) Valid() bool {
	return li.StartMinute >= 0 && li.EndMinute <= 24*60 && li.StartMinute < li.EndMinute
}

type StaffMember struct {
	ID                     string
	Timezone               string
	WorkingHours           map[time.Weekday][]LocalInterval
	BufferMinutes          int
	MinimumLeadMinutes     int
	SlotGranularityMinutes int
	UpdatedAt              time.Time
}

func (s StaffMember) Buffer() time.Duration {
	if s.BufferMinutes <= 0 {
		return 0
	}
	return time.Duration(s.BufferMinutes) * time.Minute
}

func (s StaffMember) Lead() time.Duration {
	if s.MinimumLeadMinutes <= 0 {
		return 0
	}
	return time.Duration(s.MinimumLeadMinutes) * time.Minute
}

func (s StaffMember) Granularity() time.Duration {
	if s.SlotGranularityMinutes <= 0 {
		return DefaultSlotGranularityMinutes * time.Minute
	}
	return time.Duration(s.SlotGranularityMinutes) * time.Minute
}

type Service struct {
	ID              string
	DurationMinutes int
	UpdatedAt       time.Time
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

package calendar

import (
	"errors"
	"time"
)

// Booking template: four fixed daily start times, one fixed service duration.
var FixedSlots = []string{"07:00", "10:00", "13:00", "16:00"}

const (
	// EventDuration is how long every appointment blocks the calendar.
	EventDuration = 150 * time.Minute
	// LeadTime is the minimum gap between now and a bookable slot start.
	LeadTime = 3 * time.Hour
	// lateRequestHour is the local hour at which next-day 07:00 bookings
	// close: requests made at or after 21:00 lose tomorrow's earliest slot.
	lateRequestHour = 21
)

// Date rejections surfaced to the scheduling flow as user-facing branches.
var (
	ErrSundayClosed = errors.New("studio closed on sundays")
	ErrPastDate     = errors.New("date already passed")
)

// Interval is a half-open busy period [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the interval intersects [start, end).
func (i Interval) Overlaps(start, end time.Time) bool {
	lo := i.Start
	if start.After(lo) {
		lo = start
	}
	hi := i.End
	if end.Before(hi) {
		hi = end
	}
	return lo.Before(hi)
}

// CheckBookableDate rejects Sundays and past dates. date must be a midnight
// value in the studio timezone.
func CheckBookableDate(date, now time.Time) error {
	if date.Weekday() == time.Sunday {
		return ErrSundayClosed
	}
	if date.Before(truncateToDay(now)) {
		return ErrPastDate
	}
	return nil
}

// ComputeSlots filters the fixed daily template against the lead-time buffer,
// the late-request rule and the busy intervals for the requested day. date
// must be a midnight value in the same location as now.
func ComputeSlots(date, now time.Time, busy []Interval) []string {
	var available []string
	tomorrow := truncateToDay(now).AddDate(0, 0, 1)

	for _, slot := range FixedSlots {
		start, err := slotStart(date, slot)
		if err != nil {
			continue
		}

		if slot == FixedSlots[0] && now.Hour() >= lateRequestHour && date.Equal(tomorrow) {
			continue
		}
		if start.Before(now.Add(LeadTime)) {
			continue
		}

		end := start.Add(EventDuration)
		free := true
		for _, interval := range busy {
			if interval.Overlaps(start, end) {
				free = false
				break
			}
		}
		if free {
			available = append(available, slot)
		}
	}
	return available
}

// slotStart combines a midnight date with an "HH:MM" clock string.
func slotStart(date time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()), nil
}

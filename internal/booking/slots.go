package booking

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type UnavailableReason string

const (
	ReasonBooked  UnavailableReason = "booked"
	ReasonLocked  UnavailableReason = "locked"
	ReasonDayFull UnavailableReason = "day_full"
)

type Slot struct {
	Start     time.Time
	End       time.Time
	Available bool
	Reason    UnavailableReason
}

// Occupancy is the batched set of records a slot projection is checked against.
type Occupancy struct {
	Bookings []Booking
	Locks    []SlotLock
	Now      time.Time
}

// GenerateSlots projects the weekly availability template of svc onto the
// calendar days from..to (inclusive, read in the service timezone) and tags
// each candidate with its availability. Rules are HH:MM wall clock, so a
// window keeps its local times across daylight saving changes, and wall
// times that a forward change skips produce no slot. When several rules
// share a weekday the first one in the list is used.
func GenerateSlots(svc Service, from, to time.Time, occ Occupancy) ([]Slot, error) {
	loc, err := svc.Location()
	if err != nil {
		return nil, fmt.Errorf("load service timezone: %w", err)
	}
	step := svc.DurationMinutes + svc.BufferMinutes
	if svc.DurationMinutes <= 0 || step <= 0 {
		return nil, fmt.Errorf("service %s has no positive duration", svc.ID)
	}

	first := dayStart(from.In(loc))
	last := dayStart(to.In(loc))
	if last.Before(first) {
		return nil, ErrInvalidRange
	}

	booked := make(map[int64]struct{}, len(occ.Bookings))
	perDay := make(map[string]int)
	for _, b := range occ.Bookings {
		if !b.Status.Live() {
			continue
		}
		booked[b.AppointmentAt.UnixNano()] = struct{}{}
		perDay[b.AppointmentAt.In(loc).Format(time.DateOnly)]++
	}

	locked := make(map[int64]struct{}, len(occ.Locks))
	for _, l := range occ.Locks {
		if l.Holds(occ.Now) {
			locked[l.SlotStart.UnixNano()] = struct{}{}
		}
	}

	var slots []Slot
	for day := first; !day.After(last); day = nextDay(day) {
		rule, ok := ruleFor(svc.Availability, day.Weekday())
		if !ok {
			continue
		}
		startMin, endMin, err := rule.minutes()
		if err != nil {
			return nil, err
		}

		dayFull := svc.MaxBookingsPerDay > 0 && perDay[day.Format(time.DateOnly)] >= svc.MaxBookingsPerDay

		y, m, d := day.Date()
		for offset := startMin; offset < endMin; offset += step {
			start := time.Date(y, m, d, offset/60, offset%60, 0, 0, loc)
			if start.Hour()*60+start.Minute() != offset {
				// wall time skipped by a forward clock change
				continue
			}
			slot := Slot{
				Start:     start,
				End:       start.Add(svc.Duration()),
				Available: true,
			}

			key := start.UnixNano()
			switch {
			case hasKey(booked, key):
				slot.Available, slot.Reason = false, ReasonBooked
			case hasKey(locked, key):
				slot.Available, slot.Reason = false, ReasonLocked
			case dayFull:
				slot.Available, slot.Reason = false, ReasonDayFull
			}
			slots = append(slots, slot)
		}
	}

	return slots, nil
}

// IsCandidate reports whether instant is a start time produced by the template of svc.
func IsCandidate(svc Service, instant time.Time) (bool, error) {
	slots, err := GenerateSlots(svc, instant, instant, Occupancy{})
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s.Start.Equal(instant) {
			return true, nil
		}
	}
	return false, nil
}

// DayBounds returns the [start, end) instants covering the calendar days from..to in loc.
func DayBounds(from, to time.Time, loc *time.Location) (time.Time, time.Time) {
	return dayStart(from.In(loc)), nextDay(dayStart(to.In(loc)))
}

func ruleFor(rules []AvailabilityRule, wd time.Weekday) (AvailabilityRule, bool) {
	for _, r := range rules {
		if r.Weekday == wd {
			return r, true
		}
	}
	return AvailabilityRule{}, false
}

func (r AvailabilityRule) minutes() (int, int, error) {
	start, err := parseClock(r.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("availability %s start: %w", r.Weekday, err)
	}
	end, err := parseClock(r.End)
	if err != nil {
		return 0, 0, fmt.Errorf("availability %s end: %w", r.Weekday, err)
	}
	return start, end, nil
}

// parseClock turns "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, errors.New("time of day out of range: " + s)
	}
	return h*60 + m, nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

func hasKey(set map[int64]struct{}, key int64) bool {
	_, ok := set[key]
	return ok
}

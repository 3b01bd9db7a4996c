package booking

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func starts(slots []Slot) []time.Time {
	out := make([]time.Time, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start)
	}
	return out
}

func TestGenerateSlots_StepsByDurationPlusBuffer(t *testing.T) {
	svc := defaultService()

	slots, err := GenerateSlots(svc, monday, monday, Occupancy{})
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}

	want := []time.Time{at(monday, 9, 0), at(monday, 9, 40)}
	got := starts(slots)
	if len(got) != len(want) {
		t.Fatalf("slots = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot[%d] = %s, want %s", i, got[i], want[i])
		}
		if !slots[i].Available {
			t.Fatalf("slot[%d] should be available", i)
		}
		if !slots[i].End.Equal(want[i].Add(30 * time.Minute)) {
			t.Fatalf("slot[%d].End = %s, want start+30m", i, slots[i].End)
		}
	}
}

func TestGenerateSlots_Deterministic(t *testing.T) {
	svc := defaultService()
	from, to := monday, monday.AddDate(0, 0, 6)

	a, err := GenerateSlots(svc, from, to, Occupancy{})
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}
	b, _ := GenerateSlots(svc, from, to, Occupancy{})

	if len(a) != len(b) || len(a) == 0 {
		t.Fatalf("lengths = %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("slot %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestGenerateSlots_DayWithoutRuleIsEmpty(t *testing.T) {
	svc := defaultService()
	sunday := monday.AddDate(0, 0, -1)

	slots, err := GenerateSlots(svc, sunday, sunday, Occupancy{})
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("slots = %v, want none", starts(slots))
	}
}

func TestGenerateSlots_FirstRuleForWeekdayWins(t *testing.T) {
	svc := defaultService()
	svc.Availability = []AvailabilityRule{
		{Weekday: time.Monday, Start: "14:00", End: "15:00"},
		{Weekday: time.Monday, Start: "09:00", End: "10:00"},
	}
	svc.BufferMinutes = 0

	slots, err := GenerateSlots(svc, monday, monday, Occupancy{})
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}
	got := starts(slots)
	if len(got) != 2 || !got[0].Equal(at(monday, 14, 0)) {
		t.Fatalf("slots = %v, want 14:00 and 14:30", got)
	}
}

func TestGenerateSlots_KeepsWallClockAcrossDST(t *testing.T) {
	svc := defaultService()
	svc.Timezone = "Europe/Berlin"
	svc.Availability = []AvailabilityRule{{Weekday: time.Monday, Start: "09:00", End: "09:30"}}

	// Clocks in Berlin move forward on 2026-03-29.
	before := time.Date(2026, 3, 23, 12, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		day  time.Time
		want time.Time
	}{
		{before, time.Date(2026, 3, 23, 8, 0, 0, 0, time.UTC)},
		{after, time.Date(2026, 3, 30, 7, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		slots, err := GenerateSlots(svc, tc.day, tc.day, Occupancy{})
		if err != nil {
			t.Fatalf("GenerateSlots error: %v", err)
		}
		if len(slots) != 1 || !slots[0].Start.Equal(tc.want) {
			t.Fatalf("slots on %s = %v, want %s", tc.day.Format(time.DateOnly), starts(slots), tc.want)
		}
		if got := slots[0].Start.Format("15:04"); got != "09:00" {
			t.Fatalf("local start = %s, want 09:00", got)
		}
	}
}

func TestGenerateSlots_SkipsWallTimesMissingOnDSTChange(t *testing.T) {
	svc := defaultService()
	svc.Timezone = "Europe/Berlin"
	svc.BufferMinutes = 0
	svc.Availability = []AvailabilityRule{{Weekday: time.Sunday, Start: "01:00", End: "04:00"}}

	// 02:00 to 03:00 local does not exist on 2026-03-29.
	day := time.Date(2026, 3, 29, 12, 0, 0, 0, time.UTC)

	slots, err := GenerateSlots(svc, day, day, Occupancy{})
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}

	want := []time.Time{
		time.Date(2026, 3, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 29, 0, 30, 0, 0, time.UTC),
		time.Date(2026, 3, 29, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 29, 1, 30, 0, 0, time.UTC),
	}
	got := starts(slots)
	if len(got) != len(want) {
		t.Fatalf("slots = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot[%d] = %s, want %s", i, got[i], want[i])
		}
		if i > 0 && !got[i].After(got[i-1]) {
			t.Fatalf("slot[%d] = %s not after slot[%d] = %s", i, got[i], i-1, got[i-1])
		}
	}

	ok, err := IsCandidate(svc, time.Date(2026, 3, 29, 1, 0, 0, 0, time.UTC))
	if err != nil || !ok {
		t.Fatalf("IsCandidate(03:00 local) = %v, %v, want true", ok, err)
	}
}

func TestGenerateSlots_MarksOccupiedSlots(t *testing.T) {
	svc := defaultService()
	svc.ID = uuid.New()
	svc.Availability = []AvailabilityRule{{Weekday: time.Monday, Start: "09:00", End: "11:00"}}
	now := at(monday, 7, 0)

	occ := Occupancy{
		Now: now,
		Bookings: []Booking{
			{AppointmentAt: at(monday, 9, 0), Status: StatusConfirmed},
			{AppointmentAt: at(monday, 10, 20), Status: StatusCancelled},
		},
		Locks: []SlotLock{
			{SlotStart: at(monday, 9, 40), Status: LockActive, ExpiresAt: now.Add(10 * time.Minute)},
			{SlotStart: at(monday, 10, 20), Status: LockActive, ExpiresAt: now.Add(-time.Minute)},
		},
	}

	slots, err := GenerateSlots(svc, monday, monday, occ)
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}

	want := map[int64]UnavailableReason{
		at(monday, 9, 0).Unix():   ReasonBooked,
		at(monday, 9, 40).Unix():  ReasonLocked,
		at(monday, 10, 20).Unix(): "",
	}
	for _, s := range slots {
		reason, ok := want[s.Start.Unix()]
		if !ok {
			t.Fatalf("unexpected slot %s", s.Start)
		}
		if s.Reason != reason || s.Available != (reason == "") {
			t.Fatalf("slot %s = (%v, %q), want reason %q", s.Start.Format("15:04"), s.Available, s.Reason, reason)
		}
	}
}

func TestGenerateSlots_DayFull(t *testing.T) {
	svc := defaultService()
	svc.MaxBookingsPerDay = 1

	occ := Occupancy{Bookings: []Booking{{AppointmentAt: at(monday, 9, 0), Status: StatusRescheduled}}}
	slots, err := GenerateSlots(svc, monday, monday.AddDate(0, 0, 1), occ)
	if err != nil {
		t.Fatalf("GenerateSlots error: %v", err)
	}

	for _, s := range slots {
		switch {
		case s.Start.Equal(at(monday, 9, 0)):
			if s.Reason != ReasonBooked {
				t.Fatalf("09:00 reason = %q, want booked", s.Reason)
			}
		case s.Start.Before(monday.AddDate(0, 0, 1)):
			if s.Available || s.Reason != ReasonDayFull {
				t.Fatalf("%s = (%v, %q), want day_full", s.Start, s.Available, s.Reason)
			}
		default:
			if !s.Available {
				t.Fatalf("tuesday slot %s should be available", s.Start)
			}
		}
	}
}

func TestGenerateSlots_RejectsReversedRange(t *testing.T) {
	_, err := GenerateSlots(defaultService(), monday, monday.AddDate(0, 0, -2), Occupancy{})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("error = %v, want %v", err, ErrInvalidRange)
	}
}

func TestIsCandidate(t *testing.T) {
	svc := defaultService()
	cases := []struct {
		instant time.Time
		want    bool
	}{
		{at(monday, 9, 0), true},
		{at(monday, 9, 40), true},
		{at(monday, 9, 10), false},
		{at(monday, 10, 20), false},
		{at(monday.AddDate(0, 0, -1), 9, 0), false},
	}
	for _, tc := range cases {
		got, err := IsCandidate(svc, tc.instant)
		if err != nil {
			t.Fatalf("IsCandidate error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("IsCandidate(%s) = %v, want %v", tc.instant, got, tc.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"09:00", 540, false},
		{"9:05", 545, false},
		{"24:00", 1440, false},
		{"24:30", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
	}
	for _, tc := range cases {
		got, err := parseClock(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseClock(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("parseClock(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

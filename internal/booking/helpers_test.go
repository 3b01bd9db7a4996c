package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/keylock"
)

// monday is 2026-01-12, a Monday.
var monday = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hh, mm int) time.Time {
	return day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequentialIDs struct {
	mu   sync.Mutex
	n    uint32
	refs []string // handed out first, then BK-%08X from the counter
}

func (g *sequentialIDs) NewID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	var id uuid.UUID
	id[12], id[13], id[14], id[15] = byte(g.n>>24), byte(g.n>>16), byte(g.n>>8), byte(g.n)
	return id
}

func (g *sequentialIDs) NewReference() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.refs) > 0 {
		ref := g.refs[0]
		g.refs = g.refs[1:]
		return ref
	}
	g.n++
	return fmt.Sprintf("BK-%08X", g.n)
}

type sentReminder struct {
	kind      ReminderKind
	recipient string
	msg       ReminderMessage
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentReminder
	fail func(kind ReminderKind) error
}

func (d *fakeDispatcher) Send(ctx context.Context, kind ReminderKind, recipient string, msg ReminderMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(kind); err != nil {
			return err
		}
	}
	d.sent = append(d.sent, sentReminder{kind: kind, recipient: recipient, msg: msg})
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

var errSMTPDown = errors.New("smtp unavailable")

// faultyRepo injects failures into the memory store.
type faultyRepo struct {
	*MemoryRepository

	mu sync.Mutex
	// badReminders makes every combined booking write carry a duplicate
	// reminder id, so the store rejects the whole write.
	badReminders bool
	// afterLockRead runs once, after the first GetLockByID.
	afterLockRead func()
}

func (r *faultyRepo) corrupt(reminders []Reminder) []Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.badReminders || len(reminders) == 0 {
		return reminders
	}
	return append(append([]Reminder(nil), reminders...), reminders[0])
}

func (r *faultyRepo) CreateBooking(ctx context.Context, b Booking, reminders []Reminder) (*Booking, error) {
	return r.MemoryRepository.CreateBooking(ctx, b, r.corrupt(reminders))
}

func (r *faultyRepo) RescheduleBooking(ctx context.Context, b Booking, expected BookingStatus, reminders []Reminder) (*Booking, error) {
	return r.MemoryRepository.RescheduleBooking(ctx, b, expected, r.corrupt(reminders))
}

func (r *faultyRepo) GetLockByID(ctx context.Context, id uuid.UUID) (*SlotLock, error) {
	l, err := r.MemoryRepository.GetLockByID(ctx, id)
	r.mu.Lock()
	hook := r.afterLockRead
	r.afterLockRead = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return l, err
}

func (r *faultyRepo) failReminders(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badReminders = fail
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	repo   *MemoryRepository
	clock  *fakeClock
	ids    *sequentialIDs
	notify *fakeDispatcher
	engine *Engine
	entity *Entity
	svc    *Service
}

func defaultService() Service {
	return Service{
		Name:            "General checkup",
		DurationMinutes: 30,
		BufferMinutes:   10,
		Timezone:        "UTC",
		Availability: []AvailabilityRule{
			{Weekday: time.Monday, Start: "09:00", End: "10:10"},
			{Weekday: time.Tuesday, Start: "09:00", End: "12:00"},
		},
		AdvanceBookingDays: 30,
		Cancellation:       CancellationPolicy{CutoffHours: 24, RefundPercentage: 100},
		Reschedule:         ReschedulePolicy{CutoffHours: 12, Fee: 1500},
		Price:              10000,
		Currency:           "USD",
		Active:             true,
	}
}

// newFixture builds an engine over the in-memory store with the clock on
// Monday 2026-01-05 08:00 UTC, one week before monday.
func newFixture(t *testing.T, mutate ...func(*Service, *config.Config)) *fixture {
	t.Helper()
	return newFixtureOn(t, nil, mutate...)
}

// newFixtureOn is newFixture with the engine reading through wrap(f.repo).
func newFixtureOn(t *testing.T, wrap func(*MemoryRepository) Repository, mutate ...func(*Service, *config.Config)) *fixture {
	t.Helper()

	svc := defaultService()
	cfg := config.Config{SlotLockTTL: 15 * time.Minute, ReminderMaxAttempts: 1, ReminderRetryBackoff: 5 * time.Minute}
	for _, m := range mutate {
		m(&svc, &cfg)
	}

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		repo:   NewMemoryRepository(),
		clock:  newClock(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)),
		ids:    &sequentialIDs{},
		notify: &fakeDispatcher{},
	}
	var repo Repository = f.repo
	if wrap != nil {
		repo = wrap(f.repo)
	}
	f.engine = NewEngine(repo, keylock.New(), f.notify, cfg, zerolog.Nop(),
		WithClock(f.clock.Now), WithIDGenerator(f.ids))

	ent, err := f.engine.CreateEntity(f.ctx, Entity{Name: "Downtown Clinic", Email: "front@clinic.test"})
	if err != nil {
		t.Fatalf("CreateEntity error: %v", err)
	}
	f.entity = ent

	svc.EntityID = ent.ID
	created, err := f.engine.CreateService(f.ctx, svc)
	if err != nil {
		t.Fatalf("CreateService error: %v", err)
	}
	f.svc = created
	return f
}

func (f *fixture) book(start time.Time, patient string) *Booking {
	f.t.Helper()
	b, err := f.engine.CreateBooking(f.ctx, CreateInput{ServiceID: f.svc.ID, PatientID: patient, AppointmentAt: start})
	if err != nil {
		f.t.Fatalf("CreateBooking(%s) error: %v", start, err)
	}
	return b
}

func (f *fixture) lock(start time.Time, holder string) *SlotLock {
	f.t.Helper()
	l, err := f.engine.AcquireLock(f.ctx, f.svc.ID, start, holder, 0)
	if err != nil {
		f.t.Fatalf("AcquireLock(%s) error: %v", start, err)
	}
	return l
}

func (f *fixture) slot(start time.Time) Slot {
	f.t.Helper()
	slots, err := f.engine.AvailableSlots(f.ctx, f.svc.ID, start, start)
	if err != nil {
		f.t.Fatalf("AvailableSlots error: %v", err)
	}
	for _, s := range slots {
		if s.Start.Equal(start) {
			return s
		}
	}
	f.t.Fatalf("no candidate slot at %s", start)
	return Slot{}
}

func (f *fixture) reminders(bookingID uuid.UUID) map[ReminderStatus]int {
	f.t.Helper()
	rs, err := f.engine.Reminders(f.ctx, bookingID)
	if err != nil {
		f.t.Fatalf("Reminders error: %v", err)
	}
	out := make(map[ReminderStatus]int)
	for _, r := range rs {
		out[r.Status]++
	}
	return out
}

func (f *fixture) events(eventType string) int {
	n := 0
	for _, ev := range f.repo.Events() {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

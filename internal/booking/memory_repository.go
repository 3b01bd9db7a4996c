package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps every record in process. It enforces the same
// uniqueness rules as the Postgres schema: one active lock and one live
// booking per (service, instant), and unique reference codes.
type MemoryRepository struct {
	mu        sync.RWMutex
	entities  map[uuid.UUID]Entity
	services  map[uuid.UUID]Service
	locks     map[uuid.UUID]SlotLock
	bookings  map[uuid.UUID]Booking
	reminders map[uuid.UUID]Reminder
	events    []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entities:  make(map[uuid.UUID]Entity),
		services:  make(map[uuid.UUID]Service),
		locks:     make(map[uuid.UUID]SlotLock),
		bookings:  make(map[uuid.UUID]Booking),
		reminders: make(map[uuid.UUID]Reminder),
	}
}

func (r *MemoryRepository) CreateEntity(ctx context.Context, e Entity) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[e.ID]; ok {
		return nil, ErrConflict
	}
	stampCreated(&e.CreatedAt, &e.UpdatedAt)
	r.entities[e.ID] = e
	return &e, nil
}

func (r *MemoryRepository) GetEntityByID(ctx context.Context, id uuid.UUID) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return &e, nil
}

func (r *MemoryRepository) CreateService(ctx context.Context, s Service) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[s.ID]; ok {
		return nil, ErrConflict
	}
	s.Availability = append([]AvailabilityRule(nil), s.Availability...)
	stampCreated(&s.CreatedAt, &s.UpdatedAt)
	r.services[s.ID] = s
	return cloneService(s), nil
}

func (r *MemoryRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return cloneService(s), nil
}

func (r *MemoryRepository) CreateLock(ctx context.Context, l SlotLock) (*SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[l.ID]; ok {
		return nil, ErrConflict
	}
	if l.Status == LockActive {
		for _, other := range r.locks {
			if other.Status == LockActive && other.ServiceID == l.ServiceID && other.SlotStart.Equal(l.SlotStart) {
				return nil, ErrConflict
			}
		}
	}
	stampCreated(&l.CreatedAt, &l.UpdatedAt)
	r.locks[l.ID] = l
	return cloneLock(l), nil
}

func (r *MemoryRepository) GetLockByID(ctx context.Context, id uuid.UUID) (*SlotLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.locks[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	return cloneLock(l), nil
}

func (r *MemoryRepository) FindActiveLocks(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]SlotLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SlotLock
	for _, l := range r.locks {
		if l.Status == LockActive && l.ServiceID == serviceID && inRange(l.SlotStart, from, to) {
			out = append(out, *cloneLock(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.Before(out[j].SlotStart) })
	return out, nil
}

func (r *MemoryRepository) FindExpiredActiveLocks(ctx context.Context, now time.Time) ([]SlotLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SlotLock
	for _, l := range r.locks {
		if l.Status == LockActive && l.ExpiresAt.Before(now) {
			out = append(out, *cloneLock(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (r *MemoryRepository) UpdateLockStatus(ctx context.Context, id uuid.UUID, from, to LockStatus, bookingID *uuid.UUID) (*SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok || l.Status != from {
		return nil, ErrLockNotFound
	}
	if to == LockActive {
		for otherID, other := range r.locks {
			if otherID != id && other.Status == LockActive && other.ServiceID == l.ServiceID && other.SlotStart.Equal(l.SlotStart) {
				return nil, ErrConflict
			}
		}
	}
	l.Status = to
	if bookingID != nil {
		bid := *bookingID
		l.BookingID = &bid
	} else if to == LockActive {
		l.BookingID = nil
	}
	l.UpdatedAt = time.Now()
	r.locks[l.ID] = l
	return cloneLock(l), nil
}

// CreateBooking stores b together with its reminders. Nothing is stored when
// either part is rejected.
func (r *MemoryRepository) CreateBooking(ctx context.Context, b Booking, reminders []Reminder) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bookings[b.ID]; ok {
		return nil, ErrConflict
	}
	for _, other := range r.bookings {
		if other.Reference == b.Reference {
			return nil, ErrDuplicateReference
		}
	}
	if b.Status.Live() && r.slotTaken(b.ID, b.ServiceID, b.AppointmentAt) {
		return nil, ErrConflict
	}
	if err := r.checkNewReminders(reminders); err != nil {
		return nil, err
	}
	stampCreated(&b.CreatedAt, &b.UpdatedAt)
	r.bookings[b.ID] = b
	r.putReminders(reminders)
	return cloneBooking(b), nil
}

func (r *MemoryRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (r *MemoryRepository) GetBookingByReference(ctx context.Context, reference string) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bookings {
		if b.Reference == reference {
			return cloneBooking(b), nil
		}
	}
	return nil, ErrBookingNotFound
}

func (r *MemoryRepository) FindLiveBookings(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Booking
	for _, b := range r.bookings {
		if b.ServiceID == serviceID && b.Status.Live() && inRange(b.AppointmentAt, from, to) {
			out = append(out, *cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppointmentAt.Before(out[j].AppointmentAt) })
	return out, nil
}

func (r *MemoryRepository) UpdateBooking(ctx context.Context, b Booking, expected BookingStatus) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkBookingUpdate(b, expected); err != nil {
		return nil, err
	}
	return r.putBooking(b), nil
}

// RescheduleBooking writes b, cancels the pending reminders of the booking
// and stores reminders in one step.
func (r *MemoryRepository) RescheduleBooking(ctx context.Context, b Booking, expected BookingStatus, reminders []Reminder) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkBookingUpdate(b, expected); err != nil {
		return nil, err
	}
	if err := r.checkNewReminders(reminders); err != nil {
		return nil, err
	}
	updated := r.putBooking(b)
	r.cancelPending(b.ID, time.Now())
	r.putReminders(reminders)
	return updated, nil
}

func (r *MemoryRepository) checkBookingUpdate(b Booking, expected BookingStatus) error {
	current, ok := r.bookings[b.ID]
	if !ok || current.Status != expected {
		return ErrBookingNotFound
	}
	if b.Status.Live() && r.slotTaken(b.ID, b.ServiceID, b.AppointmentAt) {
		return ErrConflict
	}
	return nil
}

func (r *MemoryRepository) putBooking(b Booking) *Booking {
	current := r.bookings[b.ID]
	b.CreatedAt = current.CreatedAt
	b.Reference = current.Reference
	b.RemindersSent = current.RemindersSent
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	stored := *cloneBooking(b)
	r.bookings[b.ID] = stored
	return cloneBooking(stored)
}

func (r *MemoryRepository) AppendSentReminder(ctx context.Context, bookingID, reminderID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[bookingID]
	if !ok {
		return ErrBookingNotFound
	}
	for _, id := range b.RemindersSent {
		if id == reminderID {
			return nil
		}
	}
	b.RemindersSent = append(append([]uuid.UUID(nil), b.RemindersSent...), reminderID)
	r.bookings[bookingID] = b
	return nil
}

func (r *MemoryRepository) CreateReminders(ctx context.Context, reminders []Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNewReminders(reminders); err != nil {
		return err
	}
	r.putReminders(reminders)
	return nil
}

func (r *MemoryRepository) checkNewReminders(reminders []Reminder) error {
	seen := make(map[uuid.UUID]struct{}, len(reminders))
	for _, rem := range reminders {
		if _, ok := r.reminders[rem.ID]; ok {
			return ErrDuplicateReminder
		}
		if _, ok := seen[rem.ID]; ok {
			return ErrDuplicateReminder
		}
		seen[rem.ID] = struct{}{}
	}
	return nil
}

func (r *MemoryRepository) putReminders(reminders []Reminder) {
	for _, rem := range reminders {
		stampCreated(&rem.CreatedAt, &rem.UpdatedAt)
		r.reminders[rem.ID] = rem
	}
}

func (r *MemoryRepository) FindDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Reminder
	for _, rem := range r.reminders {
		if rem.Status != ReminderPending || rem.ScheduledFor.After(now) {
			continue
		}
		if rem.NextAttemptAt != nil && rem.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, rem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindRemindersByBooking(ctx context.Context, bookingID uuid.UUID) ([]Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Reminder
	for _, rem := range r.reminders {
		if rem.BookingID == bookingID {
			out = append(out, rem)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateReminder(ctx context.Context, rem Reminder, expected ReminderStatus) (*Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.reminders[rem.ID]
	if !ok || current.Status != expected {
		return nil, ErrReminderNotFound
	}
	rem.CreatedAt = current.CreatedAt
	r.reminders[rem.ID] = rem
	return &rem, nil
}

func (r *MemoryRepository) CancelPendingReminders(ctx context.Context, bookingID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cancelPending(bookingID, time.Now()), nil
}

func (r *MemoryRepository) cancelPending(bookingID uuid.UUID, now time.Time) int {
	n := 0
	for id, rem := range r.reminders {
		if rem.BookingID == bookingID && rem.Status == ReminderPending {
			rem.Status = ReminderCancelled
			rem.UpdatedAt = now
			r.reminders[id] = rem
			n++
		}
	}
	return n
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the event log in insertion order.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]EventLog(nil), r.events...)
}

// slotTaken must be called with mu held.
func (r *MemoryRepository) slotTaken(self, serviceID uuid.UUID, at time.Time) bool {
	for id, other := range r.bookings {
		if id != self && other.ServiceID == serviceID && other.Status.Live() && other.AppointmentAt.Equal(at) {
			return true
		}
	}
	return false
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func stampCreated(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}

func cloneService(s Service) *Service {
	s.Availability = append([]AvailabilityRule(nil), s.Availability...)
	return &s
}

func cloneLock(l SlotLock) *SlotLock {
	if l.BookingID != nil {
		id := *l.BookingID
		l.BookingID = &id
	}
	return &l
}

func cloneBooking(b Booking) *Booking {
	b.RescheduleHistory = append([]RescheduleEvent(nil), b.RescheduleHistory...)
	b.RemindersSent = append([]uuid.UUID(nil), b.RemindersSent...)
	return &b
}

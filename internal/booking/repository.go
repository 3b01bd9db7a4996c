package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateReference is returned when a generated reference code is already taken.
	ErrDuplicateReference = errors.New("booking reference already exists")
	// ErrDuplicateReminder is returned when a reminder id is already stored.
	ErrDuplicateReminder = errors.New("reminder already exists")
)

// Repository contains all store interactions needed by the engine.
// Conditional updates return the matching not-found error when the
// record is missing or no longer in the expected status.
type Repository interface {
	CreateEntity(ctx context.Context, e Entity) (*Entity, error)
	GetEntityByID(ctx context.Context, id uuid.UUID) (*Entity, error)
	CreateService(ctx context.Context, s Service) (*Service, error)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error)

	// Slot locks. CreateLock returns ErrConflict if another active lock holds the slot.
	CreateLock(ctx context.Context, l SlotLock) (*SlotLock, error)
	GetLockByID(ctx context.Context, id uuid.UUID) (*SlotLock, error)
	FindActiveLocks(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]SlotLock, error)
	FindExpiredActiveLocks(ctx context.Context, now time.Time) ([]SlotLock, error)
	UpdateLockStatus(ctx context.Context, id uuid.UUID, from, to LockStatus, bookingID *uuid.UUID) (*SlotLock, error)

	// Bookings. CreateBooking, UpdateBooking and RescheduleBooking return
	// ErrConflict if another live booking already occupies the slot.
	// CreateBooking stores the booking with its reminders as one unit.
	CreateBooking(ctx context.Context, b Booking, reminders []Reminder) (*Booking, error)
	GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetBookingByReference(ctx context.Context, reference string) (*Booking, error)
	FindLiveBookings(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]Booking, error)
	UpdateBooking(ctx context.Context, b Booking, expected BookingStatus) (*Booking, error)
	// RescheduleBooking is UpdateBooking plus replacing the pending reminders
	// of the booking with reminders, all or nothing.
	RescheduleBooking(ctx context.Context, b Booking, expected BookingStatus, reminders []Reminder) (*Booking, error)
	AppendSentReminder(ctx context.Context, bookingID, reminderID uuid.UUID) error

	// Reminders
	CreateReminders(ctx context.Context, reminders []Reminder) error
	FindDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	FindRemindersByBooking(ctx context.Context, bookingID uuid.UUID) ([]Reminder, error)
	UpdateReminder(ctx context.Context, r Reminder, expected ReminderStatus) (*Reminder, error)
	CancelPendingReminders(ctx context.Context, bookingID uuid.UUID) (int, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

package booking

import (
	"time"

	"github.com/google/uuid"
)

type LockStatus string

const (
	LockActive    LockStatus = "active"
	LockExpired   LockStatus = "expired"
	LockConverted LockStatus = "converted"
	LockReleased  LockStatus = "released"
)

type BookingStatus string

const (
	StatusConfirmed   BookingStatus = "confirmed"
	StatusCancelled   BookingStatus = "cancelled"
	StatusCompleted   BookingStatus = "completed"
	StatusNoShow      BookingStatus = "no_show"
	StatusRescheduled BookingStatus = "rescheduled"
)

// Live reports whether the booking still occupies its slot.
func (s BookingStatus) Live() bool {
	return s != StatusCancelled
}

// Mutable reports whether the booking can still be cancelled, rescheduled or closed out.
func (s BookingStatus) Mutable() bool {
	return s == StatusConfirmed || s == StatusRescheduled
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type ReminderKind string

const (
	Reminder24h ReminderKind = "24h"
	Reminder2h  ReminderKind = "2h"
	Reminder30m ReminderKind = "30m"
)

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// AvailabilityRule is one weekly window. Start and End are "HH:MM" in the service timezone.
type AvailabilityRule struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
}

type CancellationPolicy struct {
	CutoffHours      int `json:"cutoff_hours"`
	RefundPercentage int `json:"refund_percentage"`
}

type ReschedulePolicy struct {
	CutoffHours int   `json:"cutoff_hours"`
	Fee         int64 `json:"fee"`
}

type Entity struct {
	ID        uuid.UUID
	Name      string
	Address   string
	Email     string
	Phone     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Service struct {
	ID                 uuid.UUID
	EntityID           uuid.UUID
	Name               string
	DurationMinutes    int
	BufferMinutes      int
	Timezone           string
	Availability       []AvailabilityRule
	AdvanceBookingDays int
	Cancellation       CancellationPolicy
	Reschedule         ReschedulePolicy
	MaxBookingsPerDay  int
	Price              int64
	Currency           string
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Location resolves the service timezone, defaulting to UTC.
func (s Service) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

type SlotLock struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
	EntityID  uuid.UUID
	SlotStart time.Time
	HolderID  string
	Status    LockStatus
	BookingID *uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Holds reports whether the lock still blocks its slot at now.
func (l SlotLock) Holds(now time.Time) bool {
	return l.Status == LockActive && now.Before(l.ExpiresAt)
}

type RescheduleEvent struct {
	OriginalAt time.Time `json:"original_at"`
	NewAt      time.Time `json:"new_at"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

type Booking struct {
	ID                 uuid.UUID
	ServiceID          uuid.UUID
	EntityID           uuid.UUID
	PatientID          string
	Recipient          string
	AppointmentAt      time.Time
	DurationMinutes    int
	Status             BookingStatus
	Reference          string
	PaymentStatus      PaymentStatus
	TotalAmount        int64
	Currency           string
	RefundAmount       int64
	CancellationReason *string
	CancelledAt        *time.Time
	CancelledBy        *string
	RescheduleHistory  []RescheduleEvent
	RemindersSent      []uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (b Booking) EndsAt() time.Time {
	return b.AppointmentAt.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

type Reminder struct {
	ID            uuid.UUID
	BookingID     uuid.UUID
	Kind          ReminderKind
	ScheduledFor  time.Time
	Status        ReminderStatus
	Attempts      int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type EventLog struct {
	ID        int64
	EventType string
	BookingID *uuid.UUID
	LockID    *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/config"
	redisclient "github.com/hackgods/slot-reservation-engine/internal/redis"
)

const (
	EventLockAcquired       = "LOCK_ACQUIRED"
	EventLockReleased       = "LOCK_RELEASED"
	EventLockExpired        = "LOCK_EXPIRED"
	EventBookingCreated     = "BOOKING_CREATED"
	EventBookingCancelled   = "BOOKING_CANCELLED"
	EventBookingRescheduled = "BOOKING_RESCHEDULED"
	EventBookingCompleted   = "BOOKING_COMPLETED"
	EventBookingNoShow      = "BOOKING_NO_SHOW"
	EventReminderSent       = "REMINDER_SENT"
	EventReminderFailed     = "REMINDER_FAILED"
)

// Engine owns slot locks, bookings and reminders on top of a Repository.
// Slot claims are serialized per (service, instant) and booking mutations
// per booking id through the Locker.
type Engine struct {
	repo       Repository
	locker     redisclient.Locker
	dispatcher Dispatcher
	cfg        config.Config
	log        zerolog.Logger
	ids        IDGenerator
	now        func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) { e.ids = ids }
}

func NewEngine(repo Repository, locker redisclient.Locker, dispatcher Dispatcher, cfg config.Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		locker:     locker,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.With().Str("component", "booking").Logger(),
		ids:        NewUUIDGenerator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.SlotLockTTL <= 0 {
		e.cfg.SlotLockTTL = 15 * time.Minute
	}
	if e.cfg.ReminderMaxAttempts < 1 {
		e.cfg.ReminderMaxAttempts = 1
	}
	if e.cfg.ReminderBatchSize <= 0 {
		e.cfg.ReminderBatchSize = 100
	}
	return e
}

func slotKey(serviceID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("slot:%s:%d", serviceID, at.Unix())
}

func bookingKey(id uuid.UUID) string {
	return "booking:" + id.String()
}

// withKey runs fn inside the critical section for key. A key held by
// another process is reported as busy.
func (e *Engine) withKey(ctx context.Context, key string, busy error, fn func(ctx context.Context) error) error {
	err := e.locker.WithLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return busy
	}
	return err
}

func (e *Engine) loadService(ctx context.Context, id uuid.UUID) (*Service, error) {
	svc, err := e.repo.GetServiceByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load service: %w", err)
	}
	return svc, nil
}

func (e *Engine) loadBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := e.repo.GetBookingByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}

func (e *Engine) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	return e.loadService(ctx, id)
}

func (e *Engine) GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error) {
	ent, err := e.repo.GetEntityByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load entity: %w", err)
	}
	return ent, nil
}

func (e *Engine) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return e.loadBooking(ctx, id)
}

func (e *Engine) GetBookingByReference(ctx context.Context, reference string) (*Booking, error) {
	b, err := e.repo.GetBookingByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load booking by reference: %w", err)
	}
	return b, nil
}

func (e *Engine) Reminders(ctx context.Context, bookingID uuid.UUID) ([]Reminder, error) {
	if _, err := e.loadBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	rs, err := e.repo.FindRemindersByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return rs, nil
}

// CreateEntity and CreateService are the administrative entry points used by seeding and tests.
func (e *Engine) CreateEntity(ctx context.Context, ent Entity) (*Entity, error) {
	if ent.Name == "" {
		return nil, &ValidationError{msg: "entity name is required"}
	}
	if ent.ID == uuid.Nil {
		ent.ID = e.ids.NewID()
	}
	created, err := e.repo.CreateEntity(ctx, ent)
	if err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	return created, nil
}

func (e *Engine) CreateService(ctx context.Context, svc Service) (*Service, error) {
	if err := validateService(svc); err != nil {
		return nil, err
	}
	if _, err := e.GetEntity(ctx, svc.EntityID); err != nil {
		return nil, err
	}
	if svc.ID == uuid.Nil {
		svc.ID = e.ids.NewID()
	}
	created, err := e.repo.CreateService(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return created, nil
}

// AvailableSlots loads bookings and locks for the whole range once and projects the template over it.
func (e *Engine) AvailableSlots(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]Slot, error) {
	svc, err := e.loadService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	loc, err := svc.Location()
	if err != nil {
		return nil, fmt.Errorf("load service timezone: %w", err)
	}
	start, end := DayBounds(from, to, loc)
	if !end.After(start) {
		return nil, ErrInvalidRange
	}

	occ, err := e.occupancy(ctx, svc.ID, start, end, uuid.Nil)
	if err != nil {
		return nil, err
	}
	return GenerateSlots(*svc, from, to, occ)
}

func (e *Engine) occupancy(ctx context.Context, serviceID uuid.UUID, from, to time.Time, exclude uuid.UUID) (Occupancy, error) {
	bookings, err := e.repo.FindLiveBookings(ctx, serviceID, from, to)
	if err != nil {
		return Occupancy{}, fmt.Errorf("find bookings: %w", err)
	}
	if exclude != uuid.Nil {
		kept := bookings[:0]
		for _, b := range bookings {
			if b.ID != exclude {
				kept = append(kept, b)
			}
		}
		bookings = kept
	}
	locks, err := e.repo.FindActiveLocks(ctx, serviceID, from, to)
	if err != nil {
		return Occupancy{}, fmt.Errorf("find locks: %w", err)
	}
	return Occupancy{Bookings: bookings, Locks: locks, Now: e.now()}, nil
}

// slotAt runs the slot projection for the single day holding at and returns the matching candidate.
func (e *Engine) slotAt(ctx context.Context, svc Service, at time.Time, exclude uuid.UUID) (Slot, Occupancy, error) {
	loc, err := svc.Location()
	if err != nil {
		return Slot{}, Occupancy{}, fmt.Errorf("load service timezone: %w", err)
	}
	from, to := DayBounds(at, at, loc)
	occ, err := e.occupancy(ctx, svc.ID, from, to, exclude)
	if err != nil {
		return Slot{}, Occupancy{}, err
	}
	slots, err := GenerateSlots(svc, at, at, occ)
	if err != nil {
		return Slot{}, Occupancy{}, err
	}
	for _, s := range slots {
		if s.Start.Equal(at) {
			return s, occ, nil
		}
	}
	return Slot{}, Occupancy{}, ErrInvalidSlot
}

func (e *Engine) checkWindow(svc Service, at, now time.Time) error {
	if !at.After(now) {
		return ErrSlotInPast
	}
	if svc.AdvanceBookingDays > 0 && at.After(now.AddDate(0, 0, svc.AdvanceBookingDays)) {
		return ErrOutsideBookingWindow
	}
	return nil
}

func (e *Engine) logEvent(ctx context.Context, bookingID, lockID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		BookingID: bookingID,
		LockID:    lockID,
		Payload:   data,
		CreatedAt: e.now(),
	}

	if err := e.repo.InsertEvent(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("event", eventType).Msg("insert event log")
	}
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validateService(svc Service) error {
	switch {
	case svc.Name == "":
		return &ValidationError{msg: "service name is required"}
	case svc.EntityID == uuid.Nil:
		return &ValidationError{msg: "entity_id is required"}
	case svc.DurationMinutes <= 0:
		return &ValidationError{msg: "duration_minutes must be positive"}
	case svc.BufferMinutes < 0:
		return &ValidationError{msg: "buffer_minutes must not be negative"}
	case svc.Cancellation.RefundPercentage < 0 || svc.Cancellation.RefundPercentage > 100:
		return &ValidationError{msg: "refund_percentage must be between 0 and 100"}
	}
	if _, err := svc.Location(); err != nil {
		return &ValidationError{msg: "unknown timezone " + svc.Timezone}
	}
	for _, r := range svc.Availability {
		start, end, err := r.minutes()
		if err != nil {
			return &ValidationError{msg: err.Error()}
		}
		if end <= start {
			return &ValidationError{msg: fmt.Sprintf("availability %s ends before it starts", r.Weekday)}
		}
	}
	return nil
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
)

// BookingEngine is the part of booking.Engine the HTTP layer depends on.
type BookingEngine interface {
	GetService(ctx context.Context, id uuid.UUID) (*booking.Service, error)
	GetEntity(ctx context.Context, id uuid.UUID) (*booking.Entity, error)
	AvailableSlots(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]booking.Slot, error)

	AcquireLock(ctx context.Context, serviceID uuid.UUID, slotStart time.Time, holderID string, ttl time.Duration) (*booking.SlotLock, error)
	ReleaseLock(ctx context.Context, lockID uuid.UUID) (*booking.SlotLock, error)

	CreateBooking(ctx context.Context, in booking.CreateInput) (*booking.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error)
	GetBookingByReference(ctx context.Context, reference string) (*booking.Booking, error)
	Reminders(ctx context.Context, bookingID uuid.UUID) ([]booking.Reminder, error)
	CancelBooking(ctx context.Context, id uuid.UUID, reason, actor string) (*booking.CancelResult, error)
	RescheduleBooking(ctx context.Context, id uuid.UUID, newStart time.Time, reason, actor string) (*booking.RescheduleResult, error)
	CompleteBooking(ctx context.Context, id uuid.UUID, actor string) (*booking.Booking, error)
	MarkNoShow(ctx context.Context, id uuid.UUID, actor string) (*booking.Booking, error)
}

type RouterConfig struct {
	Engine  BookingEngine
	PgPool  *pgxpool.Pool // nil when running on the memory store
	Redis   *redis.Client // nil when critical sections are process local
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/services/{id}/slots", listSlotsHandler(cfg.Engine))

	r.Post("/locks", acquireLockHandler(cfg.Engine))
	r.Delete("/locks/{id}", releaseLockHandler(cfg.Engine))

	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", createBookingHandler(cfg.Engine))
		r.Get("/by-reference/{code}", getBookingByReferenceHandler(cfg.Engine))
		r.Get("/{id}", getBookingHandler(cfg.Engine))
		r.Get("/{id}/calendar.ics", calendarHandler(cfg.Engine))
		r.Post("/{id}/cancel", cancelBookingHandler(cfg.Engine))
		r.Post("/{id}/reschedule", rescheduleBookingHandler(cfg.Engine))
		r.Post("/{id}/complete", completeBookingHandler(cfg.Engine))
		r.Post("/{id}/no-show", noShowHandler(cfg.Engine))
	})

	return r
}

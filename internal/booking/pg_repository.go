package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	entityColumns  = `id, name, address, email, phone, created_at, updated_at`
	serviceColumns = `id, entity_id, name, duration_minutes, buffer_minutes, timezone, availability,
		advance_booking_days, cancellation_cutoff_hours, cancellation_refund_percent,
		reschedule_cutoff_hours, reschedule_fee, max_bookings_per_day, price, currency, active,
		created_at, updated_at`
	lockColumns    = `id, service_id, entity_id, slot_start, holder_id, status, booking_id, created_at, expires_at, updated_at`
	bookingColumns = `id, service_id, entity_id, patient_id, recipient, appointment_at, duration_minutes,
		status, reference, payment_status, total_amount, currency, refund_amount,
		cancellation_reason, cancelled_at, cancelled_by, reschedule_history, reminders_sent,
		created_at, updated_at`
	reminderColumns = `id, booking_id, kind, scheduled_for, status, attempts, last_attempt_at,
		next_attempt_at, last_error, created_at, updated_at`
)

// Helpers

// mapWriteError turns unique violations into the repository's sentinel errors.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "bookings_reference_key":
			return ErrDuplicateReference
		case "booking_reminders_pkey":
			return ErrDuplicateReminder
		}
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	err := row.Scan(&e.ID, &e.Name, &e.Address, &e.Email, &e.Phone, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	var availability []byte

	err := row.Scan(
		&s.ID,
		&s.EntityID,
		&s.Name,
		&s.DurationMinutes,
		&s.BufferMinutes,
		&s.Timezone,
		&availability,
		&s.AdvanceBookingDays,
		&s.Cancellation.CutoffHours,
		&s.Cancellation.RefundPercentage,
		&s.Reschedule.CutoffHours,
		&s.Reschedule.Fee,
		&s.MaxBookingsPerDay,
		&s.Price,
		&s.Currency,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}

	if len(availability) > 0 {
		if err := json.Unmarshal(availability, &s.Availability); err != nil {
			return nil, fmt.Errorf("decode availability: %w", err)
		}
	}
	return &s, nil
}

func scanLock(row pgx.Row) (*SlotLock, error) {
	var l SlotLock
	var bookingID *uuid.UUID

	err := row.Scan(
		&l.ID,
		&l.ServiceID,
		&l.EntityID,
		&l.SlotStart,
		&l.HolderID,
		&l.Status,
		&bookingID,
		&l.CreatedAt,
		&l.ExpiresAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockNotFound
		}
		return nil, err
	}

	l.BookingID = bookingID
	return &l, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var history []byte
	var sent []string

	err := row.Scan(
		&b.ID,
		&b.ServiceID,
		&b.EntityID,
		&b.PatientID,
		&b.Recipient,
		&b.AppointmentAt,
		&b.DurationMinutes,
		&b.Status,
		&b.Reference,
		&b.PaymentStatus,
		&b.TotalAmount,
		&b.Currency,
		&b.RefundAmount,
		&b.CancellationReason,
		&b.CancelledAt,
		&b.CancelledBy,
		&history,
		&sent,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &b.RescheduleHistory); err != nil {
			return nil, fmt.Errorf("decode reschedule history: %w", err)
		}
	}
	for _, s := range sent {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("decode sent reminder id: %w", err)
		}
		b.RemindersSent = append(b.RemindersSent, id)
	}
	return &b, nil
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder

	err := row.Scan(
		&r.ID,
		&r.BookingID,
		&r.Kind,
		&r.ScheduledFor,
		&r.Status,
		&r.Attempts,
		&r.LastAttemptAt,
		&r.NextAttemptAt,
		&r.LastError,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReminderNotFound
		}
		return nil, err
	}
	return &r, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func sentIDs(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// Interface methods

func (r *PgRepository) CreateEntity(ctx context.Context, e Entity) (*Entity, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO entities (id, name, address, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+entityColumns,
		e.ID, e.Name, e.Address, e.Email, e.Phone)
	created, err := scanEntity(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetEntityByID(ctx context.Context, id uuid.UUID) (*Entity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	return scanEntity(row)
}

func (r *PgRepository) CreateService(ctx context.Context, s Service) (*Service, error) {
	availability, err := json.Marshal(s.Availability)
	if err != nil {
		return nil, fmt.Errorf("encode availability: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO services (id, entity_id, name, duration_minutes, buffer_minutes, timezone, availability,
			advance_booking_days, cancellation_cutoff_hours, cancellation_refund_percent,
			reschedule_cutoff_hours, reschedule_fee, max_bookings_per_day, price, currency, active,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		RETURNING `+serviceColumns,
		s.ID, s.EntityID, s.Name, s.DurationMinutes, s.BufferMinutes, s.Timezone, availability,
		s.AdvanceBookingDays, s.Cancellation.CutoffHours, s.Cancellation.RefundPercentage,
		s.Reschedule.CutoffHours, s.Reschedule.Fee, s.MaxBookingsPerDay, s.Price, s.Currency, s.Active)
	created, err := scanService(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (r *PgRepository) CreateLock(ctx context.Context, l SlotLock) (*SlotLock, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO slot_locks (id, service_id, entity_id, slot_start, holder_id, status, booking_id,
			created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING `+lockColumns,
		l.ID, l.ServiceID, l.EntityID, l.SlotStart, l.HolderID, l.Status, l.BookingID, l.CreatedAt, l.ExpiresAt)
	created, err := scanLock(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetLockByID(ctx context.Context, id uuid.UUID) (*SlotLock, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lockColumns+` FROM slot_locks WHERE id = $1`, id)
	return scanLock(row)
}

func (r *PgRepository) FindActiveLocks(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]SlotLock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+lockColumns+`
		FROM slot_locks
		WHERE service_id = $1
		  AND status = 'active'
		  AND slot_start >= $2
		  AND slot_start < $3
		ORDER BY slot_start
	`, serviceID, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLock)
}

func (r *PgRepository) FindExpiredActiveLocks(ctx context.Context, now time.Time) ([]SlotLock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+lockColumns+`
		FROM slot_locks
		WHERE status = 'active'
		  AND expires_at < $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanLock)
}

func (r *PgRepository) UpdateLockStatus(ctx context.Context, id uuid.UUID, from, to LockStatus, bookingID *uuid.UUID) (*SlotLock, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slot_locks
		SET status = $2,
		    booking_id = CASE
		        WHEN $4::uuid IS NOT NULL THEN $4::uuid
		        WHEN $2 = 'active' THEN NULL
		        ELSE booking_id
		    END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+lockColumns,
		id, to, from, bookingID)
	updated, err := scanLock(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

// CreateBooking inserts b and its reminders in one transaction.
func (r *PgRepository) CreateBooking(ctx context.Context, b Booking, reminders []Reminder) (*Booking, error) {
	history, err := json.Marshal(nonNilHistory(b.RescheduleHistory))
	if err != nil {
		return nil, fmt.Errorf("encode reschedule history: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO bookings (id, service_id, entity_id, patient_id, recipient, appointment_at, duration_minutes,
			status, reference, payment_status, total_amount, currency, refund_amount,
			cancellation_reason, cancelled_at, cancelled_by, reschedule_history, reminders_sent,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now(), now())
		RETURNING `+bookingColumns,
		b.ID, b.ServiceID, b.EntityID, b.PatientID, b.Recipient, b.AppointmentAt, b.DurationMinutes,
		b.Status, b.Reference, b.PaymentStatus, b.TotalAmount, b.Currency, b.RefundAmount,
		b.CancellationReason, b.CancelledAt, b.CancelledBy, history, sentIDs(b.RemindersSent))
	created, err := scanBooking(row)
	if err != nil {
		return nil, mapWriteError(err)
	}

	if err := insertReminders(ctx, tx, reminders); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit booking: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (r *PgRepository) GetBookingByReference(ctx context.Context, reference string) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE reference = $1`, reference)
	return scanBooking(row)
}

func (r *PgRepository) FindLiveBookings(ctx context.Context, serviceID uuid.UUID, from, to time.Time) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE service_id = $1
		  AND status <> 'cancelled'
		  AND appointment_at >= $2
		  AND appointment_at < $3
		ORDER BY appointment_at
	`, serviceID, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanBooking)
}

// UpdateBooking writes the mutable fields of b if the stored status still equals expected.
// reminders_sent is owned by AppendSentReminder and left alone.
func (r *PgRepository) UpdateBooking(ctx context.Context, b Booking, expected BookingStatus) (*Booking, error) {
	return updateBooking(ctx, r.pool, b, expected)
}

// RescheduleBooking updates b, cancels its pending reminders and inserts
// reminders in one transaction.
func (r *PgRepository) RescheduleBooking(ctx context.Context, b Booking, expected BookingStatus, reminders []Reminder) (*Booking, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := updateBooking(ctx, tx, b, expected)
	if err != nil {
		return nil, err
	}
	if _, err := cancelPendingReminders(ctx, tx, b.ID); err != nil {
		return nil, err
	}
	if err := insertReminders(ctx, tx, reminders); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reschedule: %w", err)
	}
	return updated, nil
}

func updateBooking(ctx context.Context, q querier, b Booking, expected BookingStatus) (*Booking, error) {
	history, err := json.Marshal(nonNilHistory(b.RescheduleHistory))
	if err != nil {
		return nil, fmt.Errorf("encode reschedule history: %w", err)
	}

	row := q.QueryRow(ctx, `
		UPDATE bookings
		SET appointment_at = $3,
		    duration_minutes = $4,
		    status = $5,
		    payment_status = $6,
		    total_amount = $7,
		    refund_amount = $8,
		    cancellation_reason = $9,
		    cancelled_at = $10,
		    cancelled_by = $11,
		    reschedule_history = $12,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+bookingColumns,
		b.ID, expected, b.AppointmentAt, b.DurationMinutes, b.Status, b.PaymentStatus, b.TotalAmount,
		b.RefundAmount, b.CancellationReason, b.CancelledAt, b.CancelledBy, history)
	updated, err := scanBooking(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) AppendSentReminder(ctx context.Context, bookingID, reminderID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET reminders_sent = CASE
		        WHEN $2 = ANY(reminders_sent) THEN reminders_sent
		        ELSE array_append(reminders_sent, $2)
		    END,
		    updated_at = now()
		WHERE id = $1
	`, bookingID, reminderID.String())
	if err != nil {
		return fmt.Errorf("append sent reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (r *PgRepository) CreateReminders(ctx context.Context, reminders []Reminder) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertReminders(ctx, tx, reminders); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertReminders(ctx context.Context, q querier, reminders []Reminder) error {
	for _, rem := range reminders {
		_, err := q.Exec(ctx, `
			INSERT INTO booking_reminders (id, booking_id, kind, scheduled_for, status, attempts,
				last_attempt_at, next_attempt_at, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		`, rem.ID, rem.BookingID, rem.Kind, rem.ScheduledFor, rem.Status, rem.Attempts,
			rem.LastAttemptAt, rem.NextAttemptAt, rem.LastError)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", mapWriteError(err))
		}
	}
	return nil
}

func (r *PgRepository) FindDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM booking_reminders
		WHERE status = 'pending'
		  AND scheduled_for <= $1
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY scheduled_for
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanReminder)
}

func (r *PgRepository) FindRemindersByBooking(ctx context.Context, bookingID uuid.UUID) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM booking_reminders
		WHERE booking_id = $1
		ORDER BY scheduled_for, created_at
	`, bookingID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanReminder)
}

func (r *PgRepository) UpdateReminder(ctx context.Context, rem Reminder, expected ReminderStatus) (*Reminder, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE booking_reminders
		SET status = $3,
		    attempts = $4,
		    last_attempt_at = $5,
		    next_attempt_at = $6,
		    last_error = $7,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+reminderColumns,
		rem.ID, expected, rem.Status, rem.Attempts, rem.LastAttemptAt, rem.NextAttemptAt, rem.LastError)
	return scanReminder(row)
}

func (r *PgRepository) CancelPendingReminders(ctx context.Context, bookingID uuid.UUID) (int, error) {
	return cancelPendingReminders(ctx, r.pool, bookingID)
}

func cancelPendingReminders(ctx context.Context, q querier, bookingID uuid.UUID) (int, error) {
	tag, err := q.Exec(ctx, `
		UPDATE booking_reminders
		SET status = 'cancelled',
		    updated_at = now()
		WHERE booking_id = $1
		  AND status = 'pending'
	`, bookingID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending reminders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, booking_id, lock_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.BookingID, ev.LockID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNilHistory(h []RescheduleEvent) []RescheduleEvent {
	if h == nil {
		return []RescheduleEvent{}
	}
	return h
}

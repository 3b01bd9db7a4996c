package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// reminderOffsets are fixed; every booking instant gets exactly these three.
var reminderOffsets = []struct {
	kind   ReminderKind
	before time.Duration
}{
	{Reminder24h, 24 * time.Hour},
	{Reminder2h, 2 * time.Hour},
	{Reminder30m, 30 * time.Minute},
}

// ReminderMessage is the payload handed to a Dispatcher.
type ReminderMessage struct {
	ReminderID    uuid.UUID    `json:"reminder_id"`
	BookingID     uuid.UUID    `json:"booking_id"`
	Reference     string       `json:"reference"`
	Kind          ReminderKind `json:"kind"`
	ServiceName   string       `json:"service_name,omitempty"`
	PatientID     string       `json:"patient_id"`
	AppointmentAt time.Time    `json:"appointment_at"`
	Timezone      string       `json:"timezone,omitempty"`
}

// Dispatcher delivers one reminder to a recipient.
type Dispatcher interface {
	Send(ctx context.Context, kind ReminderKind, recipient string, msg ReminderMessage) error
}

type ReminderStats struct {
	Due       int
	Sent      int
	Failed    int
	Retrying  int
	Cancelled int
	Errors    int
}

// ScheduleReminders creates the pending 24h, 2h and 30m reminders for appointmentAt.
func (e *Engine) ScheduleReminders(ctx context.Context, bookingID uuid.UUID, appointmentAt time.Time) ([]Reminder, error) {
	reminders := e.buildReminders(bookingID, appointmentAt)
	if err := e.repo.CreateReminders(ctx, reminders); err != nil {
		return nil, fmt.Errorf("create reminders: %w", err)
	}
	return reminders, nil
}

func (e *Engine) buildReminders(bookingID uuid.UUID, appointmentAt time.Time) []Reminder {
	now := e.now()

	reminders := make([]Reminder, 0, len(reminderOffsets))
	for _, off := range reminderOffsets {
		reminders = append(reminders, Reminder{
			ID:           e.ids.NewID(),
			BookingID:    bookingID,
			Kind:         off.kind,
			ScheduledFor: appointmentAt.Add(-off.before),
			Status:       ReminderPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return reminders
}

// ProcessDueReminders dispatches pending reminders that are due. A failure on
// one reminder is recorded and logged; the pass always continues.
func (e *Engine) ProcessDueReminders(ctx context.Context) (ReminderStats, error) {
	var stats ReminderStats

	now := e.now()
	due, err := e.repo.FindDueReminders(ctx, now, e.cfg.ReminderBatchSize)
	if err != nil {
		return stats, fmt.Errorf("find due reminders: %w", err)
	}
	stats.Due = len(due)

	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := e.processReminder(ctx, r, now, &stats); err != nil {
			stats.Errors++
			e.log.Error().Err(err).
				Str("reminder_id", r.ID.String()).
				Str("booking_id", r.BookingID.String()).
				Msg("process reminder")
		}
	}

	return stats, nil
}

func (e *Engine) processReminder(ctx context.Context, r Reminder, now time.Time, stats *ReminderStats) error {
	b, err := e.repo.GetBookingByID(ctx, r.BookingID)
	if err != nil && !errors.Is(err, ErrBookingNotFound) {
		return fmt.Errorf("load booking: %w", err)
	}
	if b == nil || b.Status == StatusCancelled {
		next := r
		next.Status = ReminderCancelled
		next.UpdatedAt = now
		if _, err := e.repo.UpdateReminder(ctx, next, ReminderPending); err != nil {
			return fmt.Errorf("cancel orphaned reminder: %w", err)
		}
		stats.Cancelled++
		return nil
	}

	msg := ReminderMessage{
		ReminderID:    r.ID,
		BookingID:     b.ID,
		Reference:     b.Reference,
		Kind:          r.Kind,
		PatientID:     b.PatientID,
		AppointmentAt: b.AppointmentAt,
	}
	if svc, err := e.repo.GetServiceByID(ctx, b.ServiceID); err == nil {
		msg.ServiceName = svc.Name
		msg.Timezone = svc.Timezone
	}

	recipient := b.Recipient
	if recipient == "" {
		recipient = b.PatientID
	}

	sendErr := e.dispatcher.Send(ctx, r.Kind, recipient, msg)

	next := r
	next.Attempts++
	next.LastAttemptAt = &now
	next.UpdatedAt = now

	if sendErr == nil {
		next.Status = ReminderSent
		next.NextAttemptAt = nil
		next.LastError = nil
		if _, err := e.repo.UpdateReminder(ctx, next, ReminderPending); err != nil {
			return fmt.Errorf("mark reminder sent: %w", err)
		}
		if err := e.repo.AppendSentReminder(ctx, b.ID, r.ID); err != nil {
			e.log.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("record sent reminder on booking")
		}
		stats.Sent++
		e.logEvent(ctx, &b.ID, nil, EventReminderSent, map[string]any{
			"reminder_id": r.ID.String(),
			"kind":        string(r.Kind),
			"attempts":    next.Attempts,
		})
		return nil
	}

	errText := sendErr.Error()
	next.LastError = &errText

	if next.Attempts >= e.cfg.ReminderMaxAttempts {
		next.Status = ReminderFailed
		next.NextAttemptAt = nil
		stats.Failed++
	} else {
		retryAt := now.Add(e.retryDelay(next.Attempts))
		next.NextAttemptAt = &retryAt
		stats.Retrying++
	}

	if _, err := e.repo.UpdateReminder(ctx, next, ReminderPending); err != nil {
		return fmt.Errorf("record reminder failure: %w", err)
	}

	e.log.Warn().Err(sendErr).
		Str("reminder_id", r.ID.String()).
		Int("attempts", next.Attempts).
		Str("status", string(next.Status)).
		Msg("reminder dispatch failed")

	if next.Status == ReminderFailed {
		e.logEvent(ctx, &b.ID, nil, EventReminderFailed, map[string]any{
			"reminder_id": r.ID.String(),
			"kind":        string(r.Kind),
			"attempts":    next.Attempts,
			"error":       errText,
		})
	}
	return nil
}

// retryDelay doubles the configured backoff per attempt already made.
func (e *Engine) retryDelay(attempts int) time.Duration {
	d := e.cfg.ReminderRetryBackoff
	if d <= 0 {
		d = 5 * time.Minute
	}
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const referenceAttempts = 3

type CreateInput struct {
	ServiceID     uuid.UUID
	PatientID     string
	Recipient     string
	AppointmentAt time.Time // optional when LockID is set
	TotalAmount   *int64    // defaults to the service price
	Currency      string
	PaymentStatus PaymentStatus
	LockID        *uuid.UUID
	HolderID      string // when set, must match the lock holder
}

// CreateBooking writes a confirmed booking and its reminders. With a lock,
// the lock is moved to converted before the booking is written and restored
// if the write fails. Without one, the slot is checked and written under the
// slot critical section.
func (e *Engine) CreateBooking(ctx context.Context, in CreateInput) (*Booking, error) {
	if in.PatientID == "" {
		return nil, &ValidationError{msg: "patient_id is required"}
	}

	svc, err := e.loadService(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, ErrServiceInactive
	}

	now := e.now()

	var lock *SlotLock
	if in.LockID != nil {
		lock, err = e.repo.GetLockByID(ctx, *in.LockID)
		if err != nil {
			if errors.Is(err, ErrLockNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load slot lock: %w", err)
		}
		if in.AppointmentAt.IsZero() {
			in.AppointmentAt = lock.SlotStart
		}
		if !lock.Holds(now) ||
			lock.ServiceID != svc.ID ||
			!lock.SlotStart.Equal(in.AppointmentAt) ||
			(in.HolderID != "" && in.HolderID != lock.HolderID) {
			return nil, ErrLockNotConvertible
		}
	} else {
		if in.AppointmentAt.IsZero() {
			return nil, &ValidationError{msg: "appointment_at is required without a lock"}
		}
		if err := e.checkWindow(*svc, in.AppointmentAt, now); err != nil {
			return nil, err
		}
	}

	b := Booking{
		ID:              e.ids.NewID(),
		ServiceID:       svc.ID,
		EntityID:        svc.EntityID,
		PatientID:       in.PatientID,
		Recipient:       in.Recipient,
		AppointmentAt:   in.AppointmentAt,
		DurationMinutes: svc.DurationMinutes,
		Status:          StatusConfirmed,
		PaymentStatus:   in.PaymentStatus,
		TotalAmount:     svc.Price,
		Currency:        svc.Currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.TotalAmount != nil {
		b.TotalAmount = *in.TotalAmount
	}
	if in.Currency != "" {
		b.Currency = in.Currency
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = PaymentPending
	}
	if b.Recipient == "" {
		b.Recipient = b.PatientID
	}

	var created *Booking

	err = e.withKey(ctx, slotKey(svc.ID, b.AppointmentAt), ErrSlotUnavailable, func(lockCtx context.Context) error {
		if lock != nil {
			current, err := e.repo.GetLockByID(lockCtx, lock.ID)
			if err != nil {
				return fmt.Errorf("reload slot lock: %w", err)
			}
			if !current.Holds(e.now()) {
				return ErrLockNotConvertible
			}
			if _, err := e.repo.UpdateLockStatus(lockCtx, lock.ID, LockActive, LockConverted, &b.ID); err != nil {
				if errors.Is(err, ErrLockNotFound) {
					return ErrLockNotConvertible
				}
				return fmt.Errorf("convert slot lock: %w", err)
			}
		} else {
			slot, _, err := e.slotAt(lockCtx, *svc, b.AppointmentAt, uuid.Nil)
			if err != nil {
				return err
			}
			if !slot.Available {
				return ErrSlotUnavailable
			}
		}

		bk, err := e.insertBooking(lockCtx, b)
		if err != nil {
			if lock != nil {
				e.restoreLock(lockCtx, lock.ID)
			}
			if errors.Is(err, ErrConflict) {
				return ErrSlotUnavailable
			}
			return fmt.Errorf("create booking: %w", err)
		}
		created = bk

		payload := map[string]any{
			"service_id":     svc.ID.String(),
			"patient_id":     bk.PatientID,
			"appointment_at": bk.AppointmentAt,
			"reference":      bk.Reference,
		}
		var lockID *uuid.UUID
		if lock != nil {
			lockID = &lock.ID
			payload["lock_id"] = lock.ID.String()
		}
		e.logEvent(lockCtx, &bk.ID, lockID, EventBookingCreated, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// insertBooking writes b with its reminders, assigning a reference code and
// retrying when a generated code is already taken.
func (e *Engine) insertBooking(ctx context.Context, b Booking) (*Booking, error) {
	reminders := e.buildReminders(b.ID, b.AppointmentAt)

	var err error
	for i := 0; i < referenceAttempts; i++ {
		b.Reference = e.ids.NewReference()
		var created *Booking
		created, err = e.repo.CreateBooking(ctx, b, reminders)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ErrDuplicateReference) {
			return nil, err
		}
	}
	return nil, err
}

func (e *Engine) restoreLock(ctx context.Context, lockID uuid.UUID) {
	if _, err := e.repo.UpdateLockStatus(ctx, lockID, LockConverted, LockActive, nil); err != nil {
		e.log.Error().Err(err).Str("lock_id", lockID.String()).Msg("restore slot lock after failed booking")
	}
}

// CancelBooking applies the cancellation policy of the booking's service.
// A cutoff violation is returned as a refusal in the result, not as an error.
func (e *Engine) CancelBooking(ctx context.Context, id uuid.UUID, reason, actor string) (*CancelResult, error) {
	var result *CancelResult

	err := e.withKey(ctx, bookingKey(id), ErrBookingBusy, func(lockCtx context.Context) error {
		b, err := e.loadBooking(lockCtx, id)
		if err != nil {
			return err
		}
		if !b.Status.Mutable() {
			return ErrInvalidStatusTransition
		}
		svc, err := e.loadService(lockCtx, b.ServiceID)
		if err != nil {
			return err
		}

		now := e.now()
		policy := svc.Cancellation
		if !CutoffMet(b.AppointmentAt, now, policy.CutoffHours) {
			result = &CancelResult{
				Reason:      RefusalCutoffNotMet,
				Message:     cutoffMessage("cancel", policy.CutoffHours),
				CutoffHours: policy.CutoffHours,
				Currency:    b.Currency,
				Booking:     b,
			}
			return nil
		}

		refund := RefundAmount(b.TotalAmount, policy.RefundPercentage)

		next := *b
		next.Status = StatusCancelled
		next.CancellationReason = &reason
		next.CancelledAt = &now
		next.CancelledBy = &actor
		next.RefundAmount = refund
		next.UpdatedAt = now
		if b.PaymentStatus == PaymentPaid && refund > 0 {
			next.PaymentStatus = PaymentRefunded
		}

		updated, err := e.repo.UpdateBooking(lockCtx, next, b.Status)
		if err != nil {
			if errors.Is(err, ErrBookingNotFound) {
				return ErrInvalidStatusTransition
			}
			return fmt.Errorf("cancel booking: %w", err)
		}

		cancelled, err := e.repo.CancelPendingReminders(lockCtx, id)
		if err != nil {
			e.log.Error().Err(err).Str("booking_id", id.String()).Msg("cancel pending reminders")
		}

		e.logEvent(lockCtx, &updated.ID, nil, EventBookingCancelled, map[string]any{
			"reason":             reason,
			"actor":              actor,
			"refund_amount":      refund,
			"reminders_canceled": cancelled,
		})

		result = &CancelResult{
			Success:      true,
			Message:      "booking cancelled",
			CutoffHours:  policy.CutoffHours,
			RefundAmount: refund,
			Currency:     updated.Currency,
			Booking:      updated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// RescheduleBooking moves a booking to newStart on the same record. Cutoff
// violations and an occupied target slot are refusals in the result.
func (e *Engine) RescheduleBooking(ctx context.Context, id uuid.UUID, newStart time.Time, reason, actor string) (*RescheduleResult, error) {
	var result *RescheduleResult

	err := e.withKey(ctx, bookingKey(id), ErrBookingBusy, func(lockCtx context.Context) error {
		b, err := e.loadBooking(lockCtx, id)
		if err != nil {
			return err
		}
		if !b.Status.Mutable() {
			return ErrInvalidStatusTransition
		}
		svc, err := e.loadService(lockCtx, b.ServiceID)
		if err != nil {
			return err
		}
		if !svc.Active {
			return ErrServiceInactive
		}

		now := e.now()
		policy := svc.Reschedule
		refusal := func(reason, msg string) *RescheduleResult {
			return &RescheduleResult{
				Reason:      reason,
				Message:     msg,
				CutoffHours: policy.CutoffHours,
				Currency:    b.Currency,
				Booking:     b,
			}
		}

		if !CutoffMet(b.AppointmentAt, now, policy.CutoffHours) {
			result = refusal(RefusalCutoffNotMet, cutoffMessage("reschedule", policy.CutoffHours))
			return nil
		}
		if err := e.checkWindow(*svc, newStart, now); err != nil {
			return err
		}

		slot, _, err := e.slotAt(lockCtx, *svc, newStart, b.ID)
		if err != nil {
			return err
		}
		if !slot.Available {
			result = refusal(RefusalSlotUnavailable, "the requested slot is no longer available")
			return nil
		}

		lock, err := e.acquireLock(lockCtx, *svc, newStart, "reschedule:"+b.ID.String(), 0, b.ID)
		if err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				result = refusal(RefusalSlotUnavailable, "the requested slot is no longer available")
				return nil
			}
			return err
		}

		updated, err := e.moveBooking(lockCtx, *svc, *b, lock, newStart, reason, actor)
		if err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				result = refusal(RefusalSlotUnavailable, "the requested slot is no longer available")
				return nil
			}
			return err
		}

		e.logEvent(lockCtx, &b.ID, &lock.ID, EventBookingRescheduled, map[string]any{
			"original_at": b.AppointmentAt,
			"new_at":      newStart,
			"reason":      reason,
			"actor":       actor,
			"fee":         policy.Fee,
		})

		result = &RescheduleResult{
			Success:     true,
			Message:     "booking rescheduled",
			CutoffHours: policy.CutoffHours,
			Fee:         policy.Fee,
			Currency:    updated.Currency,
			Booking:     updated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// moveBooking converts the fresh lock onto b and writes the new instant
// together with a fresh set of reminders. If the write fails the lock is
// released so the slot frees up again.
func (e *Engine) moveBooking(ctx context.Context, svc Service, b Booking, lock *SlotLock, newStart time.Time, reason, actor string) (*Booking, error) {
	var updated *Booking

	err := e.withKey(ctx, slotKey(svc.ID, newStart), ErrSlotUnavailable, func(lockCtx context.Context) error {
		if _, err := e.repo.UpdateLockStatus(lockCtx, lock.ID, LockActive, LockConverted, &b.ID); err != nil {
			if errors.Is(err, ErrLockNotFound) {
				return ErrSlotUnavailable
			}
			return fmt.Errorf("convert slot lock: %w", err)
		}

		now := e.now()
		next := b
		next.RescheduleHistory = append(append([]RescheduleEvent(nil), b.RescheduleHistory...), RescheduleEvent{
			OriginalAt: b.AppointmentAt,
			NewAt:      newStart,
			At:         now,
			Reason:     reason,
			Actor:      actor,
		})
		next.AppointmentAt = newStart
		next.DurationMinutes = svc.DurationMinutes
		next.Status = StatusRescheduled
		next.UpdatedAt = now

		bk, err := e.repo.RescheduleBooking(lockCtx, next, b.Status, e.buildReminders(b.ID, newStart))
		if err != nil {
			if _, relErr := e.repo.UpdateLockStatus(lockCtx, lock.ID, LockConverted, LockReleased, nil); relErr != nil {
				e.log.Error().Err(relErr).Str("lock_id", lock.ID.String()).Msg("release slot lock after failed reschedule")
			}
			switch {
			case errors.Is(err, ErrConflict):
				return ErrSlotUnavailable
			case errors.Is(err, ErrBookingNotFound):
				return ErrInvalidStatusTransition
			}
			return fmt.Errorf("reschedule booking: %w", err)
		}
		updated = bk
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// CompleteBooking marks an attended appointment.
func (e *Engine) CompleteBooking(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	return e.close(ctx, id, StatusCompleted, EventBookingCompleted, actor)
}

// MarkNoShow records that the patient did not attend.
func (e *Engine) MarkNoShow(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	return e.close(ctx, id, StatusNoShow, EventBookingNoShow, actor)
}

func (e *Engine) close(ctx context.Context, id uuid.UUID, to BookingStatus, eventType, actor string) (*Booking, error) {
	var updated *Booking

	err := e.withKey(ctx, bookingKey(id), ErrBookingBusy, func(lockCtx context.Context) error {
		b, err := e.loadBooking(lockCtx, id)
		if err != nil {
			return err
		}
		if !b.Status.Mutable() {
			return ErrInvalidStatusTransition
		}

		next := *b
		next.Status = to
		next.UpdatedAt = e.now()

		bk, err := e.repo.UpdateBooking(lockCtx, next, b.Status)
		if err != nil {
			if errors.Is(err, ErrBookingNotFound) {
				return ErrInvalidStatusTransition
			}
			return fmt.Errorf("update booking status: %w", err)
		}
		updated = bk

		if _, err := e.repo.CancelPendingReminders(lockCtx, id); err != nil {
			e.log.Error().Err(err).Str("booking_id", id.String()).Msg("cancel pending reminders")
		}

		e.logEvent(lockCtx, &bk.ID, nil, eventType, map[string]any{
			"from":  string(b.Status),
			"actor": actor,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

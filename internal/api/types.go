package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
)

type CreateLockRequest struct {
	ServiceID  string    `json:"service_id"`
	SlotStart  time.Time `json:"slot_start"`
	HolderID   string    `json:"holder_id"`
	TTLSeconds int       `json:"ttl_seconds,omitempty"`
}

type LockResponse struct {
	ID        uuid.UUID  `json:"id"`
	ServiceID uuid.UUID  `json:"service_id"`
	SlotStart time.Time  `json:"slot_start"`
	HolderID  string     `json:"holder_id"`
	Status    string     `json:"status"`
	BookingID *uuid.UUID `json:"booking_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type CreateBookingRequest struct {
	ServiceID     string     `json:"service_id"`
	PatientID     string     `json:"patient_id"`
	Recipient     string     `json:"recipient,omitempty"`
	AppointmentAt *time.Time `json:"appointment_at,omitempty"`
	LockID        string     `json:"lock_id,omitempty"`
	HolderID      string     `json:"holder_id,omitempty"`
	TotalAmount   *int64     `json:"total_amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	PaymentStatus string     `json:"payment_status,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type RescheduleRequest struct {
	NewStart time.Time `json:"new_start"`
	Reason   string    `json:"reason"`
	Actor    string    `json:"actor"`
}

type ActorRequest struct {
	Actor string `json:"actor"`
}

type SlotResponse struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
}

type SlotsResponse struct {
	ServiceID uuid.UUID      `json:"service_id"`
	Timezone  string         `json:"timezone"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Slots     []SlotResponse `json:"slots"`
}

type ReminderResponse struct {
	ID           uuid.UUID  `json:"id"`
	Kind         string     `json:"kind"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    *string    `json:"last_error,omitempty"`
	NextAttempt  *time.Time `json:"next_attempt_at,omitempty"`
}

type BookingResponse struct {
	ID                 uuid.UUID                 `json:"id"`
	Reference          string                    `json:"reference"`
	ServiceID          uuid.UUID                 `json:"service_id"`
	EntityID           uuid.UUID                 `json:"entity_id"`
	PatientID          string                    `json:"patient_id"`
	AppointmentAt      time.Time                 `json:"appointment_at"`
	EndsAt             time.Time                 `json:"ends_at"`
	Status             string                    `json:"status"`
	PaymentStatus      string                    `json:"payment_status"`
	TotalAmount        int64                     `json:"total_amount"`
	RefundAmount       int64                     `json:"refund_amount"`
	Currency           string                    `json:"currency"`
	CancellationReason *string                   `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time                `json:"cancelled_at,omitempty"`
	CancelledBy        *string                   `json:"cancelled_by,omitempty"`
	RescheduleHistory  []booking.RescheduleEvent `json:"reschedule_history"`
	RemindersSent      []uuid.UUID               `json:"reminders_sent"`
	Reminders          []ReminderResponse        `json:"reminders,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

type CancelResponse struct {
	Success      bool             `json:"success"`
	Reason       string           `json:"reason,omitempty"`
	Message      string           `json:"message"`
	CutoffHours  int              `json:"cutoff_hours"`
	RefundAmount int64            `json:"refund_amount"`
	Currency     string           `json:"currency"`
	Booking      *BookingResponse `json:"booking,omitempty"`
}

type RescheduleResponse struct {
	Success     bool             `json:"success"`
	Reason      string           `json:"reason,omitempty"`
	Message     string           `json:"message"`
	CutoffHours int              `json:"cutoff_hours"`
	Fee         int64            `json:"fee"`
	Currency    string           `json:"currency"`
	Booking     *BookingResponse `json:"booking,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toLockResponse(l *booking.SlotLock) LockResponse {
	return LockResponse{
		ID:        l.ID,
		ServiceID: l.ServiceID,
		SlotStart: l.SlotStart,
		HolderID:  l.HolderID,
		Status:    string(l.Status),
		BookingID: l.BookingID,
		ExpiresAt: l.ExpiresAt,
	}
}

func toBookingResponse(b *booking.Booking) *BookingResponse {
	if b == nil {
		return nil
	}
	resp := &BookingResponse{
		ID:                 b.ID,
		Reference:          b.Reference,
		ServiceID:          b.ServiceID,
		EntityID:           b.EntityID,
		PatientID:          b.PatientID,
		AppointmentAt:      b.AppointmentAt,
		EndsAt:             b.EndsAt(),
		Status:             string(b.Status),
		PaymentStatus:      string(b.PaymentStatus),
		TotalAmount:        b.TotalAmount,
		RefundAmount:       b.RefundAmount,
		Currency:           b.Currency,
		CancellationReason: b.CancellationReason,
		CancelledAt:        b.CancelledAt,
		CancelledBy:        b.CancelledBy,
		RescheduleHistory:  b.RescheduleHistory,
		RemindersSent:      b.RemindersSent,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
	if resp.RescheduleHistory == nil {
		resp.RescheduleHistory = []booking.RescheduleEvent{}
	}
	if resp.RemindersSent == nil {
		resp.RemindersSent = []uuid.UUID{}
	}
	return resp
}

func toReminderResponses(rs []booking.Reminder) []ReminderResponse {
	out := make([]ReminderResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, ReminderResponse{
			ID:           r.ID,
			Kind:         string(r.Kind),
			ScheduledFor: r.ScheduledFor,
			Status:       string(r.Status),
			Attempts:     r.Attempts,
			LastError:    r.LastError,
			NextAttempt:  r.NextAttemptAt,
		})
	}
	return out
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
	"github.com/hackgods/slot-reservation-engine/internal/calendar"
	redisclient "github.com/hackgods/slot-reservation-engine/internal/redis"
)

// maxSlotRangeDays bounds one availability query.
const maxSlotRangeDays = 62

func listSlotsHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, ok := parseID(w, r, "id", "invalid_service_id")
		if !ok {
			return
		}

		svc, err := engine.GetService(r.Context(), serviceID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		loc, err := svc.Location()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		// dates are calendar days in the service timezone
		fromRaw := r.URL.Query().Get("from")
		toRaw := r.URL.Query().Get("to")
		if toRaw == "" {
			toRaw = fromRaw
		}
		from, err := time.ParseInLocation(time.DateOnly, fromRaw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be a YYYY-MM-DD date")
			return
		}
		to, err := time.ParseInLocation(time.DateOnly, toRaw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be a YYYY-MM-DD date")
			return
		}
		if to.Before(from) || to.Sub(from) > maxSlotRangeDays*24*time.Hour {
			writeError(w, http.StatusUnprocessableEntity, "invalid_range", "to must not precede from and the range is limited to 62 days")
			return
		}

		slots, err := engine.AvailableSlots(r.Context(), serviceID, from, to)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := SlotsResponse{
			ServiceID: serviceID,
			Timezone:  loc.String(),
			From:      fromRaw,
			To:        toRaw,
			Slots:     make([]SlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{
				Start:     s.Start,
				End:       s.End,
				Available: s.Available,
				Reason:    string(s.Reason),
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func acquireLockHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateLockRequest
		if !decode(w, r, &req) {
			return
		}

		serviceID, err := uuid.Parse(req.ServiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}
		if req.SlotStart.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_slot_start", "slot_start is required")
			return
		}

		ttl := time.Duration(req.TTLSeconds) * time.Second
		lock, err := engine.AcquireLock(r.Context(), serviceID, req.SlotStart, req.HolderID, ttl)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toLockResponse(lock))
	}
}

func releaseLockHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id", "invalid_lock_id")
		if !ok {
			return
		}

		lock, err := engine.ReleaseLock(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toLockResponse(lock))
	}
}

func createBookingHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if !decode(w, r, &req) {
			return
		}

		serviceID, err := uuid.Parse(req.ServiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}

		in := booking.CreateInput{
			ServiceID:     serviceID,
			PatientID:     req.PatientID,
			Recipient:     req.Recipient,
			TotalAmount:   req.TotalAmount,
			Currency:      req.Currency,
			PaymentStatus: booking.PaymentStatus(req.PaymentStatus),
			HolderID:      req.HolderID,
		}
		if req.AppointmentAt != nil {
			in.AppointmentAt = *req.AppointmentAt
		}
		if req.LockID != "" {
			lockID, err := uuid.Parse(req.LockID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_lock_id", "lock_id must be a valid UUID")
				return
			}
			in.LockID = &lockID
		}
		switch in.PaymentStatus {
		case "", booking.PaymentPending, booking.PaymentPaid:
		default:
			writeError(w, http.StatusBadRequest, "invalid_payment_status", "payment_status must be pending or paid")
			return
		}

		b, err := engine.CreateBooking(r.Context(), in)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toBookingResponse(b))
	}
}

func getBookingHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id", "invalid_booking_id")
		if !ok {
			return
		}

		b, err := engine.GetBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		reminders, err := engine.Reminders(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := toBookingResponse(b)
		resp.Reminders = toReminderResponses(reminders)
		writeJSON(w, http.StatusOK, resp)
	}
}

func getBookingByReferenceHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
		if code == "" {
			writeError(w, http.StatusBadRequest, "invalid_reference", "reference is required")
			return
		}

		b, err := engine.GetBookingByReference(r.Context(), code)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func cancelBookingHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id", "invalid_booking_id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		res, err := engine.CancelBooking(r.Context(), id, req.Reason, req.Actor)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		// a policy refusal is still a 200; callers read success
		writeJSON(w, http.StatusOK, CancelResponse{
			Success:      res.Success,
			Reason:       res.Reason,
			Message:      res.Message,
			CutoffHours:  res.CutoffHours,
			RefundAmount: res.RefundAmount,
			Currency:     res.Currency,
			Booking:      toBookingResponse(res.Booking),
		})
	}
}

func rescheduleBookingHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id", "invalid_booking_id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decode(w, r, &req) {
			return
		}
		if req.NewStart.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_new_start", "new_start is required")
			return
		}

		res, err := engine.RescheduleBooking(r.Context(), id, req.NewStart, req.Reason, req.Actor)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, RescheduleResponse{
			Success:     res.Success,
			Reason:      res.Reason,
			Message:     res.Message,
			CutoffHours: res.CutoffHours,
			Fee:         res.Fee,
			Currency:    res.Currency,
			Booking:     toBookingResponse(res.Booking),
		})
	}
}

func completeBookingHandler(engine BookingEngine) http.HandlerFunc {
	return closeOutHandler(engine.CompleteBooking)
}

func noShowHandler(engine BookingEngine) http.HandlerFunc {
	return closeOutHandler(engine.MarkNoShow)
}

func closeOutHandler(fn func(ctx context.Context, id uuid.UUID, actor string) (*booking.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id", "invalid_booking_id")
		if !ok {
			return
		}
		var req ActorRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		b, err := fn(r.Context(), id, req.Actor)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func calendarHandler(engine BookingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id", "invalid_booking_id")
		if !ok {
			return
		}

		b, err := engine.GetBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		svc, err := engine.GetService(r.Context(), b.ServiceID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		ent, err := engine.GetEntity(r.Context(), b.EntityID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		body, err := calendar.Invite(*b, *svc, *ent, b.UpdatedAt)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+b.Reference+`.ics"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	var verr *booking.ValidationError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, booking.ErrEntityNotFound):
		writeError(w, http.StatusNotFound, "entity_not_found", err.Error())
	case errors.Is(err, booking.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "service_not_found", err.Error())
	case errors.Is(err, booking.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, booking.ErrLockNotFound):
		writeError(w, http.StatusNotFound, "lock_not_found", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrLockNotConvertible):
		writeError(w, http.StatusConflict, "lock_not_convertible", err.Error())
	case errors.Is(err, booking.ErrLockAlreadyConverted):
		writeError(w, http.StatusConflict, "lock_already_converted", err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrBookingBusy):
		writeError(w, http.StatusConflict, "booking_busy", err.Error())
	case errors.Is(err, booking.ErrInvalidSlot):
		writeError(w, http.StatusUnprocessableEntity, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrSlotInPast):
		writeError(w, http.StatusUnprocessableEntity, "slot_in_past", err.Error())
	case errors.Is(err, booking.ErrOutsideBookingWindow):
		writeError(w, http.StatusUnprocessableEntity, "outside_booking_window", err.Error())
	case errors.Is(err, booking.ErrServiceInactive):
		writeError(w, http.StatusUnprocessableEntity, "service_inactive", err.Error())
	case errors.Is(err, booking.ErrInvalidRange):
		writeError(w, http.StatusUnprocessableEntity, "invalid_range", err.Error())
	case errors.Is(err, redisclient.ErrLockBackend):
		writeError(w, http.StatusServiceUnavailable, "lock_backend_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

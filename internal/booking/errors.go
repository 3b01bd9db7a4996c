package booking

import "errors"

var (
	ErrEntityNotFound   = errors.New("entity not found")
	ErrServiceNotFound  = errors.New("service not found")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrLockNotFound     = errors.New("slot lock not found")
	ErrReminderNotFound = errors.New("reminder not found")

	// ErrConflict is returned by repositories when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflict")

	ErrServiceInactive         = errors.New("service is not active")
	ErrSlotUnavailable         = errors.New("slot is unavailable")
	ErrInvalidSlot             = errors.New("instant is not a bookable slot for this service")
	ErrSlotInPast              = errors.New("slot is in the past")
	ErrOutsideBookingWindow    = errors.New("slot is outside the advance booking window")
	ErrLockNotConvertible      = errors.New("slot lock is not convertible")
	ErrLockAlreadyConverted    = errors.New("slot lock was already converted into a booking")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrBookingBusy             = errors.New("booking is being modified, please retry")
	ErrInvalidRange            = errors.New("invalid date range")
)

package booking

import (
	"fmt"
	"time"
)

const (
	RefusalCutoffNotMet    = "cutoff_not_met"
	RefusalSlotUnavailable = "slot_unavailable"
)

// RefundAmount computes total * pct / 100 in minor units, rounding half away from zero.
func RefundAmount(total int64, pct int) int64 {
	if pct <= 0 {
		return 0
	}
	if pct > 100 {
		pct = 100
	}
	scaled := total * int64(pct)
	if scaled < 0 {
		return -((-scaled + 50) / 100)
	}
	return (scaled + 50) / 100
}

// CutoffMet reports whether at least cutoffHours remain before appointmentAt.
// An appointment exactly at the cutoff is still allowed.
func CutoffMet(appointmentAt, now time.Time, cutoffHours int) bool {
	return appointmentAt.Sub(now) >= time.Duration(cutoffHours)*time.Hour
}

func cutoffMessage(verb string, hours int) string {
	return fmt.Sprintf("must %s at least %d hours before the appointment", verb, hours)
}

// CancelResult is the outcome of a cancellation. A policy refusal is reported
// with Success false and never as an error.
type CancelResult struct {
	Success      bool
	Reason       string
	Message      string
	CutoffHours  int
	RefundAmount int64
	Currency     string
	Booking      *Booking
}

// RescheduleResult is the outcome of a reschedule request.
type RescheduleResult struct {
	Success     bool
	Reason      string
	Message     string
	CutoffHours int
	Fee         int64
	Currency    string
	Booking     *Booking
}

// Package calendar renders bookings as iCalendar invites.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
)

const productID = "-//slot-reservation-engine//booking//EN"

// Invite builds a VCALENDAR with a single VEVENT for b. It has no side
// effects; stamp is written as DTSTAMP so output is reproducible.
func Invite(b booking.Booking, svc booking.Service, ent booking.Entity, stamp time.Time) (string, error) {
	if b.ID == uuid.Nil || b.AppointmentAt.IsZero() {
		return "", errors.New("booking has no appointment")
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodRequest)
	cal.SetProductId(productID)

	ev := cal.AddEvent(b.ID.String() + "@" + hostPart(ent))
	ev.SetDtStampTime(stamp.UTC())
	ev.SetStartAt(b.AppointmentAt.UTC())
	ev.SetEndAt(b.EndsAt().UTC())
	ev.SetSummary(summary(svc, ent))
	ev.SetDescription(description(b, svc))
	if ent.Address != "" {
		ev.SetLocation(ent.Address)
	}
	if ent.Email != "" {
		ev.SetOrganizer("mailto:"+ent.Email, ics.WithCN(ent.Name))
	}
	if b.Status == booking.StatusCancelled {
		ev.SetStatus(ics.ObjectStatusCancelled)
	} else {
		ev.SetStatus(ics.ObjectStatusConfirmed)
	}

	return cal.Serialize(), nil
}

func summary(svc booking.Service, ent booking.Entity) string {
	if ent.Name == "" {
		return svc.Name
	}
	return fmt.Sprintf("%s at %s", svc.Name, ent.Name)
}

func description(b booking.Booking, svc booking.Service) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Booking reference: %s\n", b.Reference)
	fmt.Fprintf(&sb, "Duration: %d minutes\n", b.DurationMinutes)
	if svc.Cancellation.CutoffHours > 0 {
		fmt.Fprintf(&sb, "Cancel at least %d hours in advance.\n", svc.Cancellation.CutoffHours)
	}
	return strings.TrimSpace(sb.String())
}

func hostPart(ent booking.Entity) string {
	if _, domain, ok := strings.Cut(ent.Email, "@"); ok && domain != "" {
		return domain
	}
	return "slot-reservation-engine"
}

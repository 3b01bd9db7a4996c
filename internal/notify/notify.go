// Package notify delivers booking reminders to external channels.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
	"github.com/hackgods/slot-reservation-engine/internal/config"
)

// ReminderEvent is the wire payload published for one reminder.
type ReminderEvent struct {
	Recipient string                  `json:"recipient"`
	Message   booking.ReminderMessage `json:"message"`
	Text      string                  `json:"text"`
	SentAt    string                  `json:"sent_at"`
}

// LogDispatcher only writes reminders to the log. Used in development.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: logger.With().Str("component", "notify").Logger()}
}

func (d *LogDispatcher) Send(ctx context.Context, kind booking.ReminderKind, recipient string, msg booking.ReminderMessage) error {
	d.log.Info().
		Str("kind", string(kind)).
		Str("recipient", recipient).
		Str("reference", msg.Reference).
		Time("appointment_at", msg.AppointmentAt).
		Msg(Text(msg))
	return nil
}

var leadTimes = map[booking.ReminderKind]string{
	booking.Reminder24h: "tomorrow",
	booking.Reminder2h:  "in 2 hours",
	booking.Reminder30m: "in 30 minutes",
}

// Text renders the human readable reminder line.
func Text(msg booking.ReminderMessage) string {
	at := msg.AppointmentAt
	if msg.Timezone != "" {
		if loc, err := time.LoadLocation(msg.Timezone); err == nil {
			at = at.In(loc)
		}
	}

	what := msg.ServiceName
	if what == "" {
		what = "appointment"
	}
	lead, ok := leadTimes[msg.Kind]
	if !ok {
		lead = "soon"
	}
	return fmt.Sprintf("Reminder: your %s (%s) is %s, at %s.", what, msg.Reference, lead, at.Format("Mon 2 Jan 15:04 MST"))
}

// FromConfig builds the dispatcher selected by NOTIFY_DRIVER. The returned
// close func releases broker connections and is never nil.
func FromConfig(cfg config.Config, logger zerolog.Logger) (booking.Dispatcher, func() error, error) {
	noop := func() error { return nil }

	switch cfg.NotifyDriver {
	case config.NotifyDriverAMQP:
		p := NewAMQPPublisher(cfg.AMQPURL, cfg.ReminderQueue, logger)
		return p, p.Close, nil
	case config.NotifyDriverTelegram:
		s, err := NewTelegramSender(cfg.TelegramToken)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case config.NotifyDriverLog, "":
		return NewLogDispatcher(logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown notify driver %q", cfg.NotifyDriver)
	}
}

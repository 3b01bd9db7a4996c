package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (amqpChannel, io.Closer, error)

func dialAMQP(url string) (amqpChannel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return ch, conn, nil
}

// AMQPPublisher publishes reminders as persistent JSON messages to a durable
// queue on the default exchange. The connection is opened lazily and
// reopened after a failed publish.
type AMQPPublisher struct {
	url   string
	queue string
	dial  dialFunc
	log   zerolog.Logger

	mu   sync.Mutex
	ch   amqpChannel
	conn io.Closer
}

func NewAMQPPublisher(url, queue string, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:   url,
		queue: queue,
		dial:  dialAMQP,
		log:   logger.With().Str("component", "notify.amqp").Logger(),
	}
}

func (p *AMQPPublisher) Send(ctx context.Context, kind booking.ReminderKind, recipient string, msg booking.ReminderMessage) error {
	body, err := json.Marshal(ReminderEvent{
		Recipient: recipient,
		Message:   msg,
		Text:      Text(msg),
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal reminder event: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msg.ReminderID.String(),
		Type:         "booking.reminder." + string(kind),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// one reconnect per send; a second failure is reported to the caller
	for attempt := 0; attempt < 2; attempt++ {
		if err = p.ensureChannel(); err != nil {
			continue
		}
		err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, pub)
		if err == nil {
			return nil
		}
		p.log.Warn().Err(err).Int("attempt", attempt+1).Msg("publish reminder")
		p.reset()
	}
	return fmt.Errorf("publish reminder: %w", err)
}

// ensureChannel must be called with mu held.
func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, conn, err := p.dial(p.url)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("declare queue %s: %w", p.queue, err)
	}
	p.ch, p.conn = ch, conn
	return nil
}

// reset must be called with mu held.
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

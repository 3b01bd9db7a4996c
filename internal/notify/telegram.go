package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hackgods/slot-reservation-engine/internal/booking"
)

var ErrInvalidRecipient = errors.New("recipient is not a telegram chat id")

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers reminders as bot messages. Recipients are chat
// ids, optionally prefixed with "telegram:".
type TelegramSender struct {
	bot messageSender
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

func (s *TelegramSender) Send(ctx context.Context, kind booking.ReminderKind, recipient string, msg booking.ReminderMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := ParseChatID(recipient)
	if err != nil {
		return err
	}

	out := tgbotapi.NewMessage(chatID, Text(msg))
	if _, err := s.bot.Send(out); err != nil {
		return fmt.Errorf("send telegram %s reminder: %w", kind, err)
	}
	return nil
}

func ParseChatID(recipient string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(recipient), "telegram:")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	return id, nil
}

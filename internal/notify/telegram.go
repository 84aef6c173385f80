package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications to Telegram chats. Destinations are chat
// IDs in decimal form.
type Telegram struct {
	api telegramAPI
	log *slog.Logger
}

// NewTelegram creates a Telegram deliverer with the given bot token.
func NewTelegram(token string, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, log: log}, nil
}

// Send delivers the message to every destination chat. A malformed
// destination is a permanent failure; a Telegram API failure is retriable.
func (t *Telegram) Send(ctx context.Context, destinations []string, m Message) error {
	text := Format(m)
	for _, dest := range destinations {
		if err := ctx.Err(); err != nil {
			return err
		}
		chatID, err := strconv.ParseInt(dest, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid destination %q: %w", dest, err)
		}

		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := t.api.Send(msg); err != nil {
			t.log.Error("send message", "chat_id", chatID, "error", err)
			return &RetriableError{Err: err}
		}
	}
	return nil
}

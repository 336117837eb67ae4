package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink sends messages to a fixed set of chats. The bot is created on
// first use so an unreachable API does not block startup.
type TelegramSink struct {
	token    string
	chatIDs  []int64
	endpoint string
	logger   *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramSink(token string, chatIDs []int64, logger *slog.Logger) *TelegramSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSink{
		token:    token,
		chatIDs:  chatIDs,
		endpoint: tgbotapi.APIEndpoint,
		logger:   logger,
	}
}

// WithEndpoint overrides the Bot API endpoint format (tests, self-hosted API).
func (t *TelegramSink) WithEndpoint(endpoint string) *TelegramSink {
	t.endpoint = endpoint
	return t
}

func (t *TelegramSink) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram notifier connected", "component", "notify", "user", bot.Self.UserName)
	t.bot = bot
	return bot, nil
}

func (t *TelegramSink) Notify(ctx context.Context, msg Message) error {
	if len(t.chatIDs) == 0 {
		return nil
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	text := msg.Title
	if msg.Body != "" {
		text += "\n\n" + msg.Body
	}
	if msg.Severity == SeverityWarning {
		text = "⚠️ " + text
	}
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

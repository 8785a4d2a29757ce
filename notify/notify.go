// Package notify delivers operator alerts. Delivery is best effort:
// trading never blocks on a chat message.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
)

// Sink receives operator notifications.
type Sink interface {
	Notify(message string)
}

// Nop discards every message. Used when no channel is configured.
type Nop struct{}

func (Nop) Notify(string) {}

// Telegram sends messages to a fixed chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects the bot. Fails when the token is rejected so a
// misconfigured channel is caught at startup, not at the first alert.
func NewTelegram(cfg config.NotifyConfig) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("📟 Telegram notifier connected")
	return &Telegram{bot: bot, chatID: cfg.TelegramChatID}, nil
}

func (t *Telegram) Notify(message string) {
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := t.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

// FromConfig picks the configured sink, falling back to Nop.
func FromConfig(cfg config.NotifyConfig) Sink {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		return Nop{}
	}
	tg, err := NewTelegram(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier unavailable, alerts disabled")
		return Nop{}
	}
	return tg
}

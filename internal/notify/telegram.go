// Package notify sends epoch summaries to Telegram so long runs can be
// watched from a phone. Entirely optional.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Telegram posts run updates to a single chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// New creates a notifier for the given bot token and chat.
func New(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("initializing telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: log.With().Str("component", "notify").Logger(),
	}, nil
}

// EpochSummary sends one message per finished epoch. Failures are logged and
// swallowed: notification must never interrupt training.
func (t *Telegram) EpochSummary(runID string, epoch int, trainLoss, devEM, crowdEM float64) {
	text := fmt.Sprintf(
		"Run %s | epoch %d\ntrain loss: %.3f\ndev EM: %.2f (crowd: %.2f)",
		runID, epoch, trainLoss, 100*devEM, 100*crowdEM,
	)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn().Err(err).Int("epoch", epoch).Msg("Failed to send epoch summary")
	}
}

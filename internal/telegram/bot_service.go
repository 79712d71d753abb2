// Package telegram handles the integration with the Telegram Bot API.
// It is responsible for receiving updates from Telegram, turning them into
// platform-neutral events for the router, and delivering outbound messages.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is the part of *tgbotapi.BotAPI the service uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewBotAPI authorizes the bot token.
func NewBotAPI(token string, logger *slog.Logger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authorize telegram bot: %w", err)
	}
	bot.Debug = false
	logger.Info("authorized on telegram", slog.String("account", bot.Self.UserName))
	return bot, nil
}

// BotService is responsible for receiving Telegram updates and routing them to the router.
type BotService struct {
	api     botAPI
	handler chathub.InboundHandler
	logger  *slog.Logger
}

// NewBotService creates a new BotService instance.
func NewBotService(api botAPI, handler chathub.InboundHandler, logger *slog.Logger) *BotService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BotService{api: api, handler: handler, logger: logger}
}

// Run is the main loop for receiving Telegram updates. Updates are handled
// one at a time, which keeps each user's actions in order. It returns when
// ctx is cancelled or the update channel closes.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.api.GetUpdatesChan(u)
	s.logger.Info("telegram bot started")

	for {
		select {
		case <-ctx.Done():
			s.api.StopReceivingUpdates()
			s.logger.Info("telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.handleUpdate(ctx, update)
		}
	}
}

func (s *BotService) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cq := update.CallbackQuery; cq != nil {
		// Respond to the callback query to remove the "loading" state
		if _, err := s.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			s.logger.Warn("failed to answer callback query", slog.String("error", err.Error()))
		}
	}

	ev, ok := toEvent(update)
	if !ok {
		return
	}
	s.handler(ctx, ev)
}

// toEvent extracts the user action from an update. Edits, channel posts and
// media without a caption carry nothing the router acts on.
func toEvent(update tgbotapi.Update) (models.InboundEvent, bool) {
	switch {
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		cq := update.CallbackQuery
		return models.InboundEvent{
			UserID:   strconv.FormatInt(cq.From.ID, 10),
			Callback: cq.Data,
			Meta:     meta(cq.From),
		}, true

	case update.Message != nil && update.Message.From != nil:
		msg := update.Message
		ev := models.InboundEvent{
			UserID: strconv.FormatInt(msg.From.ID, 10),
			Meta:   meta(msg.From),
		}
		if msg.IsCommand() {
			ev.Command = msg.Command()
			return ev, true
		}
		ev.Text = extractMessageContent(msg)
		return ev, ev.Text != ""
	}
	return models.InboundEvent{}, false
}

func meta(u *tgbotapi.User) models.PlatformMeta {
	return models.PlatformMeta{Username: u.UserName, LanguageCode: u.LanguageCode}
}

// extractMessageContent uniformly extracts text or a caption from a message.
func extractMessageContent(msg *tgbotapi.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

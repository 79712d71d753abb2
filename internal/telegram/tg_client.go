package telegram

import (
	"context"
	"fmt"
	"strconv"

	"chatpair/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger delivers outbound messages to Telegram users. In a private chat
// the chat id equals the user id, which is what the hub knows users by.
type Messenger struct {
	api botAPI
}

func NewMessenger(api botAPI) *Messenger {
	return &Messenger{api: api}
}

// SendMessage implements chathub.Messenger. Relayed text is sent without a
// parse mode so user input can never break Markdown parsing.
func (m *Messenger) SendMessage(_ context.Context, userID, text string, opts models.SendOptions) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || chatID == 0 {
		return fmt.Errorf("%w: %q is not a telegram chat id", models.ErrDeliveryFailure, userID)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if len(opts.Buttons) > 0 {
		msg.ReplyMarkup = inlineKeyboard(opts.Buttons)
	}
	if _, err := m.api.Send(msg); err != nil {
		return fmt.Errorf("%w: telegram send to %s: %v", models.ErrDeliveryFailure, userID, err)
	}
	return nil
}

func inlineKeyboard(rows [][]models.Button) tgbotapi.InlineKeyboardMarkup {
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		kb = append(kb, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

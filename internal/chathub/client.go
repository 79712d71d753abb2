package chathub

import (
	"context"
	"strings"
	"time"

	"chatpair/backend/internal/models"
)

// Messenger is the outbound side of a messaging platform (Telegram, WebSocket).
// It abstracts the transport so the hub treats every kind of user the same.
type Messenger interface {
	// SendMessage delivers text to the user. A transport failure is reported
	// as an error wrapping models.ErrDeliveryFailure.
	SendMessage(ctx context.Context, userID, text string, opts models.SendOptions) error
}

// Notifier renders and delivers system notices (chat started, chat ended,
// search timed out) in the user's language.
type Notifier interface {
	Notify(ctx context.Context, userID string, n models.Notification) error
}

// Timeouts is the deadline service the hub arms search and chat timeouts on.
type Timeouts interface {
	Arm(key string, d time.Duration, fn func(ctx context.Context))
	Cancel(key string) bool
}

// WSUserPrefix marks anonymous ids issued to WebSocket clients.
const WSUserPrefix = "ws-"

// MessengerMux routes a user to the transport that owns their id.
type MessengerMux struct {
	Telegram  Messenger
	WebSocket Messenger
}

func (m *MessengerMux) SendMessage(ctx context.Context, userID, text string, opts models.SendOptions) error {
	if strings.HasPrefix(userID, WSUserPrefix) && m.WebSocket != nil {
		return m.WebSocket.SendMessage(ctx, userID, text, opts)
	}
	return m.Telegram.SendMessage(ctx, userID, text, opts)
}

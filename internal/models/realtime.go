package models

import "time"

// InboundEvent is what a messaging platform hands to the core for one user action.
// Exactly one of Command, Callback or Text is normally set.
type InboundEvent struct {
	UserID   string       `json:"user_id"`
	Text     string       `json:"text,omitempty"`
	Command  string       `json:"command,omitempty"`
	Callback string       `json:"callback,omitempty"`
	Meta     PlatformMeta `json:"meta,omitempty"`
}

// Button is one inline action offered with an outbound message.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// SendOptions carries the presentation hints of an outbound message.
type SendOptions struct {
	// Buttons is laid out row by row.
	Buttons [][]Button `json:"buttons,omitempty"`
	// System marks notices produced by the bot itself rather than relayed text.
	System bool `json:"system,omitempty"`
}

// OutboundMessage is a message written to a non-Telegram transport.
type OutboundMessage struct {
	Text    string     `json:"text"`
	Buttons [][]Button `json:"buttons,omitempty"`
	System  bool       `json:"system,omitempty"`
}

// QueueEntry is a user waiting in one of the search queues.
type QueueEntry struct {
	UserID     string    `json:"user_id"`
	Filter     Filter    `json:"filter"`
	Gender     Gender    `json:"gender"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Compatible reports whether two waiting users would accept each other.
func (e QueueEntry) Compatible(other QueueEntry) bool {
	return e.UserID != other.UserID && e.Filter.Accepts(other.Gender) && other.Filter.Accepts(e.Gender)
}

// NotificationKind names the system notices the chat engine emits.
type NotificationKind string

const (
	NotifyChatStarted    NotificationKind = "chat_started"
	NotifyChatEnded      NotificationKind = "chat_ended"
	NotifySearchTimedOut NotificationKind = "search_timed_out"
)

// Notification is a system notice for one user; the router renders it.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id,omitempty"`
	Reason    EndReason        `json:"reason,omitempty"`
	// Initiator is true for the user whose action ended the chat.
	Initiator bool `json:"initiator,omitempty"`
}

// SessionEvent is published on the operator channel for every lifecycle change.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	UserIDs   []string  `json:"user_ids"`
	Reason    EndReason `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

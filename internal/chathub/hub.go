// Package chathub is the matchmaking and chat-session engine: the search
// queues, the pairing engine and the session manager, plus the transports
// and event publishing they report through.
package chathub

import (
	"context"
	"log/slog"
	"time"

	"chatpair/backend/internal/metrics"
	"chatpair/backend/internal/storage"
)

// Hub wires the queue, the pairing engine and the session manager over one store.
type Hub struct {
	Queue    *SearchQueue
	Sessions *SessionManager
	Matcher  *PairingEngine
	logger   *slog.Logger
}

type HubDeps struct {
	Store         storage.Store
	Profiles      ProfileStore
	Messenger     Messenger
	Notifier      Notifier
	Timeouts      Timeouts
	Archive       SessionArchive
	Events        Publisher
	Metrics       metrics.Recorder
	SearchTimeout time.Duration
	ChatTimeout   time.Duration
	Logger        *slog.Logger
}

func NewHub(d HubDeps) *Hub {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	queue := NewSearchQueue(d.Store)
	sessions := NewSessionManager(ManagerDeps{
		Store:       d.Store,
		Profiles:    d.Profiles,
		Messenger:   d.Messenger,
		Notifier:    d.Notifier,
		Timeouts:    d.Timeouts,
		Archive:     d.Archive,
		Events:      d.Events,
		Metrics:     d.Metrics,
		ChatTimeout: d.ChatTimeout,
		Logger:      d.Logger,
	})
	matcher := NewPairingEngine(MatcherDeps{
		Queue:         queue,
		Sessions:      sessions,
		Profiles:      d.Profiles,
		Notifier:      d.Notifier,
		Timeouts:      d.Timeouts,
		Metrics:       d.Metrics,
		SearchTimeout: d.SearchTimeout,
		Logger:        d.Logger,
	})
	return &Hub{Queue: queue, Sessions: sessions, Matcher: matcher, logger: d.Logger}
}

// SetNotifier wires the notifier into both the matcher and the session manager.
func (h *Hub) SetNotifier(n Notifier) {
	h.Sessions.SetNotifier(n)
	h.Matcher.SetNotifier(n)
}

// Recover re-arms every timer persisted in the store. It runs once at startup,
// before transports start delivering events.
func (h *Hub) Recover(ctx context.Context) error {
	h.logger.Info("starting state recovery")
	if _, err := h.Sessions.Recover(ctx); err != nil {
		return err
	}
	_, err := h.Matcher.Recover(ctx)
	return err
}

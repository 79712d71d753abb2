package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatpair/backend/internal/metrics"
	"chatpair/backend/internal/models"
	"chatpair/backend/internal/storage"
)

const activeSessionsKey = "sessions:active"

func sessionKey(id string) string         { return "session:" + id }
func sessionPointerKey(userID string) string { return "user:session:" + userID }
func chatTimerKey(id string) string        { return "chat:" + id }

// ProfileStore is the part of the profile store the hub drives.
type ProfileStore interface {
	Get(ctx context.Context, userID string) (*models.UserProfile, error)
	Transition(ctx context.Context, userID string, event models.Event) (*models.UserProfile, error)
}

// SessionArchive keeps session metadata after the live record is gone.
type SessionArchive interface {
	SaveSession(ctx context.Context, s *models.ChatSession) error
	CloseSession(ctx context.Context, sessionID string, reason models.EndReason, endedAt time.Time) error
}

// SessionManager owns the live chat sessions: the session record, the
// pointer from each participant to it, and the chat timeout.
//
// A session is stored once under its id and reachable from both users
// through user:session:<id>. Deleting the session key is the single point
// that decides which of several concurrent End calls tears it down.
type SessionManager struct {
	kv          storage.Store
	profiles    ProfileStore
	messenger   Messenger
	notifier    Notifier
	timeouts    Timeouts
	archive     SessionArchive
	events      Publisher
	metrics     metrics.Recorder
	chatTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// ManagerDeps are the collaborators of a SessionManager. Archive, Events,
// Metrics and Logger are optional.
type ManagerDeps struct {
	Store       storage.Store
	Profiles    ProfileStore
	Messenger   Messenger
	Notifier    Notifier
	Timeouts    Timeouts
	Archive     SessionArchive
	Events      Publisher
	Metrics     metrics.Recorder
	ChatTimeout time.Duration
	Logger      *slog.Logger
}

func NewSessionManager(d ManagerDeps) *SessionManager {
	m := &SessionManager{
		kv:          d.Store,
		profiles:    d.Profiles,
		messenger:   d.Messenger,
		notifier:    d.Notifier,
		timeouts:    d.Timeouts,
		archive:     d.Archive,
		events:      d.Events,
		metrics:     d.Metrics,
		chatTimeout: d.ChatTimeout,
		logger:      d.Logger,
		now:         time.Now,
	}
	if m.events == nil {
		m.events = NopPublisher{}
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// SetNotifier wires the notifier after construction; the router that renders
// notices itself depends on the hub.
func (m *SessionManager) SetNotifier(n Notifier) { m.notifier = n }

// Create opens a session between a and b, who must both be SEARCHING.
func (m *SessionManager) Create(ctx context.Context, a, b string) (*models.ChatSession, error) {
	if a == b {
		return nil, fmt.Errorf("cannot pair %s with themself", a)
	}
	startedAt := m.now().UTC()
	s := &models.ChatSession{
		ID:        models.SessionID(a, b, startedAt),
		UserA:     a,
		UserB:     b,
		StartedAt: startedAt,
		ExpiresAt: startedAt.Add(m.chatTimeout),
	}

	// 1. Pointers first: they are what rejects a second session for either user.
	ok, err := m.kv.SetIfAbsent(ctx, sessionPointerKey(a), []byte(s.ID), 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyInChat, a)
	}
	ok, err = m.kv.SetIfAbsent(ctx, sessionPointerKey(b), []byte(s.ID), 0)
	if err != nil || !ok {
		m.dropPointers(ctx, a)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyInChat, b)
	}

	// 2. The session record and the active index.
	raw, err := json.Marshal(s)
	if err != nil {
		m.dropPointers(ctx, a, b)
		return nil, err
	}
	if err := m.kv.Set(ctx, sessionKey(s.ID), raw, 0); err != nil {
		m.dropPointers(ctx, a, b)
		return nil, err
	}
	if err := m.kv.AddToSet(ctx, activeSessionsKey, s.ID); err != nil {
		m.discard(ctx, s)
		return nil, err
	}

	// 3. Both profiles move to IN_CHAT.
	if _, err := m.profiles.Transition(ctx, a, models.EventChatStarted); err != nil {
		m.discard(ctx, s)
		return nil, fmt.Errorf("start chat for %s: %w", a, err)
	}
	if _, err := m.profiles.Transition(ctx, b, models.EventChatStarted); err != nil {
		if _, rbErr := m.profiles.Transition(ctx, a, models.EventChatEnded); rbErr != nil {
			m.logger.Error("failed to roll back chat start", slog.String("user_id", a), slog.String("error", rbErr.Error()))
		}
		m.discard(ctx, s)
		return nil, fmt.Errorf("start chat for %s: %w", b, err)
	}

	m.timeouts.Arm(chatTimerKey(s.ID), m.chatTimeout, func(ctx context.Context) {
		m.expire(ctx, s.ID)
	})

	if m.archive != nil {
		if err := m.archive.SaveSession(ctx, s); err != nil {
			m.logger.Warn("failed to archive session", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
	m.metrics.SessionStarted()
	m.publish(ctx, "started", s, "")
	m.logger.Info("chat session started", slog.String("session_id", s.ID), slog.String("user_a", a), slog.String("user_b", b))

	// 4. Tell both sides. A side that cannot be reached ends the chat at once.
	for _, uid := range []string{a, b} {
		err := m.notifier.Notify(ctx, uid, models.Notification{Kind: models.NotifyChatStarted, SessionID: s.ID})
		if err == nil {
			continue
		}
		m.logger.Warn("chat start notice failed", slog.String("session_id", s.ID), slog.String("user_id", uid), slog.String("error", err.Error()))
		if endErr := m.teardown(ctx, s, models.EndDeliveryFailure, ""); endErr != nil && !errors.Is(endErr, models.ErrNoActiveSession) {
			m.logger.Error("failed to end undeliverable session", slog.String("session_id", s.ID), slog.String("error", endErr.Error()))
		}
		return nil, fmt.Errorf("%w: notify %s: %v", models.ErrDeliveryFailure, uid, err)
	}
	return s, nil
}

// dropPointers removes session pointers during a failed Create.
func (m *SessionManager) dropPointers(ctx context.Context, userIDs ...string) {
	for _, uid := range userIDs {
		if _, err := m.kv.Delete(ctx, sessionPointerKey(uid)); err != nil {
			m.logger.Error("failed to drop session pointer", slog.String("user_id", uid), slog.String("error", err.Error()))
		}
	}
}

// discard removes every trace of a session that never started.
func (m *SessionManager) discard(ctx context.Context, s *models.ChatSession) {
	_, _ = m.kv.Delete(ctx, sessionKey(s.ID))
	_, _ = m.kv.RemoveFromSet(ctx, activeSessionsKey, s.ID)
	m.dropPointers(ctx, s.UserA, s.UserB)
}

// SessionFor returns the user's active session or ErrNoActiveSession.
func (m *SessionManager) SessionFor(ctx context.Context, userID string) (*models.ChatSession, error) {
	sid, err := m.kv.Get(ctx, sessionPointerKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNoActiveSession, userID)
	}
	if err != nil {
		return nil, err
	}
	s, err := m.load(ctx, string(sid))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNoActiveSession, userID)
	}
	return s, nil
}

func (m *SessionManager) load(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	raw, err := m.kv.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s models.ChatSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Relay forwards text from a user to their partner. A transport failure ends
// the session with delivery_failure; the message is never retried.
func (m *SessionManager) Relay(ctx context.Context, from, text string) error {
	s, err := m.SessionFor(ctx, from)
	if err != nil {
		return err
	}
	partner, _ := s.Partner(from)

	if err := m.messenger.SendMessage(ctx, partner, text, models.SendOptions{}); err != nil {
		m.metrics.RelayFailed()
		m.logger.Warn("relay failed, ending session", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		if endErr := m.teardown(ctx, s, models.EndDeliveryFailure, ""); endErr != nil && !errors.Is(endErr, models.ErrNoActiveSession) {
			m.logger.Error("failed to end session after relay failure", slog.String("session_id", s.ID), slog.String("error", endErr.Error()))
		}
		if errors.Is(err, models.ErrDeliveryFailure) {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailure, err)
	}
	m.metrics.MessageRelayed()
	return nil
}

// End tears down the user's session. Of several concurrent End calls for the
// same session exactly one succeeds; the rest get ErrNoActiveSession.
func (m *SessionManager) End(ctx context.Context, userID string, reason models.EndReason) error {
	s, err := m.SessionFor(ctx, userID)
	if err != nil {
		return err
	}
	initiator := ""
	if reason == models.EndUserRequested {
		initiator = userID
	}
	return m.teardown(ctx, s, reason, initiator)
}

func (m *SessionManager) teardown(ctx context.Context, s *models.ChatSession, reason models.EndReason, initiator string) error {
	existed, err := m.kv.Delete(ctx, sessionKey(s.ID))
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("%w: session %s already ended", models.ErrNoActiveSession, s.ID)
	}

	m.timeouts.Cancel(chatTimerKey(s.ID))
	m.dropPointers(ctx, s.UserA, s.UserB)
	if _, err := m.kv.RemoveFromSet(ctx, activeSessionsKey, s.ID); err != nil {
		m.logger.Warn("failed to drop session from index", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}

	for _, uid := range []string{s.UserA, s.UserB} {
		if _, err := m.profiles.Transition(ctx, uid, models.EventChatEnded); err != nil {
			m.logger.Warn("chat end transition failed", slog.String("user_id", uid), slog.String("error", err.Error()))
		}
	}

	endedAt := m.now().UTC()
	m.metrics.SessionEnded(reason, endedAt.Sub(s.StartedAt))
	if m.archive != nil {
		if err := m.archive.CloseSession(ctx, s.ID, reason, endedAt); err != nil {
			m.logger.Warn("failed to archive session end", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
	m.publish(ctx, "ended", s, reason)
	m.logger.Info("chat session ended", slog.String("session_id", s.ID), slog.String("reason", string(reason)))

	for _, uid := range []string{s.UserA, s.UserB} {
		n := models.Notification{Kind: models.NotifyChatEnded, SessionID: s.ID, Reason: reason, Initiator: uid == initiator}
		if err := m.notifier.Notify(ctx, uid, n); err != nil {
			m.logger.Warn("chat end notice failed", slog.String("user_id", uid), slog.String("error", err.Error()))
		}
	}
	return nil
}

// expire is the chat timeout. A session that already ended makes it a no-op.
func (m *SessionManager) expire(ctx context.Context, sessionID string) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		m.logger.Error("chat timeout: load session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	if s == nil {
		return
	}
	if err := m.teardown(ctx, s, models.EndTimeout, ""); err != nil && !errors.Is(err, models.ErrNoActiveSession) {
		m.logger.Error("chat timeout: teardown", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// ActiveSessions lists the ids of open sessions.
func (m *SessionManager) ActiveSessions(ctx context.Context) ([]string, error) {
	return m.kv.SetMembers(ctx, activeSessionsKey)
}

func (m *SessionManager) ActiveCount(ctx context.Context) (int, error) {
	ids, err := m.ActiveSessions(ctx)
	return len(ids), err
}

// Recover re-arms chat timeouts for sessions persisted before a restart.
// Sessions whose deadline has passed expire immediately.
func (m *SessionManager) Recover(ctx context.Context) (int, error) {
	ids, err := m.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			return restored, err
		}
		if s == nil {
			_, _ = m.kv.RemoveFromSet(ctx, activeSessionsKey, id)
			continue
		}
		remaining := s.ExpiresAt.Sub(m.now())
		if remaining < 0 {
			remaining = 0
		}
		sid := s.ID
		m.timeouts.Arm(chatTimerKey(sid), remaining, func(ctx context.Context) {
			m.expire(ctx, sid)
		})
		restored++
	}
	m.logger.Info("session recovery complete", slog.Int("sessions", restored))
	return restored, nil
}

func (m *SessionManager) publish(ctx context.Context, typ string, s *models.ChatSession, reason models.EndReason) {
	ev := models.SessionEvent{
		Type:      typ,
		SessionID: s.ID,
		UserIDs:   []string{s.UserA, s.UserB},
		Reason:    reason,
		At:        m.now().UTC(),
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish session event", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

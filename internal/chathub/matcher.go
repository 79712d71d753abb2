package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatpair/backend/internal/config"
	"chatpair/backend/internal/metrics"
	"chatpair/backend/internal/models"
)

func searchTimerKey(userID string) string { return "search:" + userID }

// searchRetryDelay re-arms a search timeout that could not reach the store.
const searchRetryDelay = 10 * time.Second

// PairStatus is the outcome of a TryPair call.
type PairStatus int

const (
	// Waiting means the user is queued and will be notified when paired.
	Waiting PairStatus = iota
	// Paired means a session was created during the call.
	Paired
)

type PairResult struct {
	Status    PairStatus
	SessionID string
	PartnerID string
}

// PairingEngine matches searching users and hands pairs to the session manager.
type PairingEngine struct {
	queue         *SearchQueue
	sessions      *SessionManager
	profiles      ProfileStore
	notifier      Notifier
	timeouts      Timeouts
	metrics       metrics.Recorder
	searchTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// MatcherDeps are the collaborators of a PairingEngine. Metrics and Logger are optional.
type MatcherDeps struct {
	Queue         *SearchQueue
	Sessions      *SessionManager
	Profiles      ProfileStore
	Notifier      Notifier
	Timeouts      Timeouts
	Metrics       metrics.Recorder
	SearchTimeout time.Duration
	Logger        *slog.Logger
}

func NewPairingEngine(d MatcherDeps) *PairingEngine {
	e := &PairingEngine{
		queue:         d.Queue,
		sessions:      d.Sessions,
		profiles:      d.Profiles,
		notifier:      d.Notifier,
		timeouts:      d.Timeouts,
		metrics:       d.Metrics,
		searchTimeout: d.SearchTimeout,
		logger:        d.Logger,
		now:           time.Now,
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// SetNotifier wires the notifier after construction.
func (e *PairingEngine) SetNotifier(n Notifier) { e.notifier = n }

// TryPair looks for a partner for a user who is already SEARCHING. It creates
// at most one session; if nobody compatible is waiting the user is queued and
// the search timeout armed.
func (e *PairingEngine) TryPair(ctx context.Context, userID string, filter models.Filter) (PairResult, error) {
	p, err := e.profiles.Get(ctx, userID)
	if err != nil {
		return PairResult{}, err
	}
	if !p.HasGender() {
		return PairResult{}, fmt.Errorf("%w: %s has no gender", models.ErrInvalidTransition, userID)
	}
	if existing, err := e.queue.Entry(ctx, userID); err != nil {
		return PairResult{}, err
	} else if existing != nil {
		return PairResult{Status: Waiting}, fmt.Errorf("%w: %s", models.ErrAlreadyQueued, userID)
	}

	seeker := models.QueueEntry{
		UserID:     userID,
		Filter:     filter,
		Gender:     *p.Gender,
		EnqueuedAt: e.now().UTC(),
	}
	e.metrics.SearchStarted()

	// 1. Someone compatible is already waiting: claim them.
	res, found, err := e.claimWaiting(ctx, seeker)
	if err != nil || found {
		return res, err
	}

	// 2. Nobody: wait in the queue. The deadline is armed even when the write
	// failed halfway, so a stranded entry is still given up on.
	err = e.queue.Enqueue(ctx, seeker)
	if errors.Is(err, models.ErrAlreadyQueued) {
		return PairResult{Status: Waiting}, err
	}
	e.armSearchTimeout(seeker, e.searchTimeout)
	if err != nil {
		return PairResult{}, err
	}
	e.logger.Info("user queued", slog.String("user_id", userID), slog.String("filter", string(filter)))

	// 3. Someone may have queued between step 1 and step 2 without seeing us.
	return e.recheck(ctx, seeker)
}

// claimWaiting pairs a seeker who is not queued with the oldest compatible
// waiting user. A lost claim race, or a claimed user who left the search in
// the meantime, moves on to the next candidate.
func (e *PairingEngine) claimWaiting(ctx context.Context, seeker models.QueueEntry) (PairResult, bool, error) {
	for attempt := 0; attempt < config.MaxClaimAttempts; attempt++ {
		c, err := e.queue.FindCompatible(ctx, seeker)
		if err != nil {
			return PairResult{}, false, err
		}
		if c == nil {
			break
		}
		ok, err := e.queue.Claim(ctx, *c)
		if err != nil {
			return PairResult{}, false, err
		}
		if !ok {
			continue
		}
		res, err := e.start(ctx, *c, seeker, false)
		if e.partnerLeft(ctx, seeker, err) {
			continue
		}
		return res, true, err
	}
	return PairResult{}, false, nil
}

// recheck runs once after the seeker was queued. Both queued parties are
// claimed in user-id order, so two users re-checking against each other
// cannot both win.
func (e *PairingEngine) recheck(ctx context.Context, seeker models.QueueEntry) (PairResult, error) {
	for attempt := 0; attempt < config.MaxClaimAttempts; attempt++ {
		c, err := e.queue.FindCompatible(ctx, seeker)
		if err != nil {
			return PairResult{Status: Waiting}, err
		}
		if c == nil {
			break
		}
		first, second := seeker, *c
		if c.UserID < seeker.UserID {
			first, second = *c, seeker
		}

		ok, err := e.queue.Claim(ctx, first)
		if err != nil {
			return PairResult{Status: Waiting}, err
		}
		if !ok {
			if first.UserID == seeker.UserID {
				// Another searcher took us; they create the session.
				return PairResult{Status: Waiting}, nil
			}
			continue
		}

		ok, err = e.queue.Claim(ctx, second)
		if err == nil && ok {
			res, err := e.start(ctx, *c, seeker, true)
			if e.partnerLeft(ctx, seeker, err) {
				continue
			}
			return res, err
		}
		if rerr := e.restore(ctx, first); rerr != nil {
			e.logger.Error("failed to restore queue entry", slog.String("user_id", first.UserID), slog.String("error", rerr.Error()))
		}
		if err != nil {
			return PairResult{Status: Waiting}, err
		}
		if second.UserID == seeker.UserID {
			return PairResult{Status: Waiting}, nil
		}
	}
	return PairResult{Status: Waiting}, nil
}

// partnerLeft reports whether a failed start was caused by the other user
// leaving the search while claimed, with the seeker still searching.
func (e *PairingEngine) partnerLeft(ctx context.Context, seeker models.QueueEntry, err error) bool {
	if !errors.Is(err, models.ErrInvalidTransition) {
		return false
	}
	p, gerr := e.profiles.Get(ctx, seeker.UserID)
	return gerr == nil && p.Phase == models.PhaseSearching
}

// restore puts back an entry claimed for a pairing that did not happen and
// re-arms its search timeout with the time it has left. A user who is no
// longer SEARCHING is taken out again: the check runs after the write so a
// concurrent CancelSearch either sees the entry or is seen here.
func (e *PairingEngine) restore(ctx context.Context, entry models.QueueEntry) error {
	if err := e.queue.Restore(ctx, entry); err != nil {
		return err
	}
	p, err := e.profiles.Get(ctx, entry.UserID)
	if err == nil && p.Phase != models.PhaseSearching {
		removed, cerr := e.queue.Claim(ctx, entry)
		if cerr == nil {
			if removed {
				e.logger.Info("dropped restored entry of user who left the search", slog.String("user_id", entry.UserID))
			}
			return nil
		}
		err = cerr
	}
	if err != nil {
		e.logger.Warn("restore: could not confirm search phase", slog.String("user_id", entry.UserID), slog.String("error", err.Error()))
	}
	remaining := entry.EnqueuedAt.Add(e.searchTimeout).Sub(e.now())
	if remaining < 0 {
		remaining = 0
	}
	e.armSearchTimeout(entry, remaining)
	return nil
}

// start opens the session for two users whose queue entries this caller
// holds: waiting was claimed, seeker was claimed too when seekerQueued.
func (e *PairingEngine) start(ctx context.Context, waiting, seeker models.QueueEntry, seekerQueued bool) (PairResult, error) {
	e.timeouts.Cancel(searchTimerKey(waiting.UserID))
	e.timeouts.Cancel(searchTimerKey(seeker.UserID))

	s, err := e.sessions.Create(ctx, waiting.UserID, seeker.UserID)
	if err != nil {
		if errors.Is(err, models.ErrDeliveryFailure) {
			// The session was opened and torn down again; both sides have been told.
			return PairResult{}, err
		}
		e.logger.Error("failed to create session",
			slog.String("user_a", waiting.UserID),
			slog.String("user_b", seeker.UserID),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, models.ErrAlreadyInChat) {
			back := []models.QueueEntry{waiting}
			if seekerQueued {
				back = append(back, seeker)
			}
			for _, entry := range back {
				if rerr := e.restore(ctx, entry); rerr != nil {
					e.logger.Error("failed to restore queue entry", slog.String("user_id", entry.UserID), slog.String("error", rerr.Error()))
				}
			}
		}
		return PairResult{}, err
	}

	e.metrics.Paired(s.StartedAt.Sub(waiting.EnqueuedAt))
	partner, _ := s.Partner(seeker.UserID)
	return PairResult{Status: Paired, SessionID: s.ID, PartnerID: partner}, nil
}

func (e *PairingEngine) armSearchTimeout(entry models.QueueEntry, d time.Duration) {
	e.timeouts.Arm(searchTimerKey(entry.UserID), d, func(ctx context.Context) {
		e.expireSearch(ctx, entry)
	})
}

// expireSearch is the search timeout. It acts only if the very entry it was
// armed for is still queued. A store failure re-arms it.
func (e *PairingEngine) expireSearch(ctx context.Context, entry models.QueueEntry) {
	cur, err := e.queue.Entry(ctx, entry.UserID)
	if err != nil {
		e.logger.Error("search timeout: load entry", slog.String("user_id", entry.UserID), slog.String("error", err.Error()))
		e.armSearchTimeout(entry, searchRetryDelay)
		return
	}
	if cur == nil || !cur.EnqueuedAt.Equal(entry.EnqueuedAt) {
		return
	}
	ok, err := e.queue.Claim(ctx, *cur)
	if err != nil {
		e.logger.Error("search timeout: claim entry", slog.String("user_id", entry.UserID), slog.String("error", err.Error()))
		e.armSearchTimeout(entry, searchRetryDelay)
		return
	}
	if !ok {
		return
	}
	if _, err := e.profiles.Transition(ctx, entry.UserID, models.EventSearchTimedOut); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Left the search already; the entry was a leftover.
			return
		}
		e.logger.Warn("search timeout transition failed", slog.String("user_id", entry.UserID), slog.String("error", err.Error()))
	}
	e.metrics.SearchTimedOut()
	if err := e.notifier.Notify(ctx, entry.UserID, models.Notification{Kind: models.NotifySearchTimedOut}); err != nil {
		e.logger.Warn("search timeout notice failed", slog.String("user_id", entry.UserID), slog.String("error", err.Error()))
	}
}

// CancelSearch takes the user out of the queue and back to MENU.
//
// If a pairing or the search timeout claimed the entry first, nothing changes
// and ErrAlreadyInChat is returned: whoever holds the claim reports the outcome.
func (e *PairingEngine) CancelSearch(ctx context.Context, userID string) error {
	entry, err := e.queue.Entry(ctx, userID)
	if err != nil {
		return err
	}
	if entry != nil {
		ok, err := e.queue.Claim(ctx, *entry)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: search of %s was already claimed", models.ErrAlreadyInChat, userID)
		}
		e.timeouts.Cancel(searchTimerKey(userID))
	}
	if _, err := e.profiles.Transition(ctx, userID, models.EventSearchCancelled); err != nil {
		return err
	}
	// A pairing that failed while we cancelled may have put the entry back.
	removed, err := e.queue.Dequeue(ctx, userID)
	if err != nil {
		e.logger.Warn("cancel search: sweep queue entry", slog.String("user_id", userID), slog.String("error", err.Error()))
	} else if removed {
		e.timeouts.Cancel(searchTimerKey(userID))
	}
	return nil
}

// Recover re-arms search timeouts for users queued before a restart.
func (e *PairingEngine) Recover(ctx context.Context) (int, error) {
	entries, err := e.queue.Entries(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		remaining := entry.EnqueuedAt.Add(e.searchTimeout).Sub(e.now())
		if remaining < 0 {
			remaining = 0
		}
		e.armSearchTimeout(entry, remaining)
	}
	e.logger.Info("queue recovery complete", slog.Int("entries", len(entries)))
	return len(entries), nil
}

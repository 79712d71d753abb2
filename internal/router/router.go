// Package router turns inbound platform events into profile, hub and
// exchange operations and renders every reply in the user's language.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/exchange"
	"chatpair/backend/internal/localization"
	"chatpair/backend/internal/models"
	"chatpair/backend/internal/profile"
)

// Router is the single entry point for user actions from every transport.
// It also renders the hub's system notices, so it implements chathub.Notifier.
type Router struct {
	profiles    *profile.Store
	hub         *chathub.Hub
	exchange    *exchange.Service
	messenger   chathub.Messenger
	loc         *localization.Localizer
	limiter     *RelayLimiter
	adminChatID string
	logger      *slog.Logger
}

type Deps struct {
	Profiles  *profile.Store
	Hub       *chathub.Hub
	Exchange  *exchange.Service
	Messenger chathub.Messenger
	Localizer *localization.Localizer
	// Limiter is optional; without it relayed messages are not throttled.
	Limiter *RelayLimiter
	// AdminChatID receives a notice for every completed exchange when set.
	AdminChatID string
	Logger      *slog.Logger
}

func New(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Router{
		profiles:    d.Profiles,
		hub:         d.Hub,
		exchange:    d.Exchange,
		messenger:   d.Messenger,
		loc:         d.Localizer,
		limiter:     d.Limiter,
		adminChatID: d.AdminChatID,
		logger:      d.Logger,
	}
}

var _ chathub.Notifier = (*Router)(nil)

// Handle processes one inbound event. Every outcome, failures included, is
// answered with a message; the returned error is for the transport's logs.
func (r *Router) Handle(ctx context.Context, ev models.InboundEvent) error {
	p, err := r.profiles.Get(ctx, ev.UserID)
	if errors.Is(err, models.ErrProfileNotFound) {
		p, err = r.profiles.Create(ctx, ev.UserID, ev.Meta)
		if errors.Is(err, models.ErrAlreadyExists) {
			// Two first events raced; the other one created the profile.
			p, err = r.profiles.Get(ctx, ev.UserID)
		} else if err == nil {
			r.logger.Info("new user", slog.String("user_id", ev.UserID))
			return r.prompt(ctx, p)
		}
	}
	if err != nil {
		r.fail(ctx, ev.UserID, ev.Meta.LanguageCode, err)
		return err
	}

	switch {
	case ev.Command != "":
		err = r.handleCommand(ctx, p, strings.ToLower(strings.TrimPrefix(ev.Command, "/")))
	case ev.Callback != "":
		err = r.handleCallback(ctx, p, ev.Callback)
	case ev.Text != "":
		err = r.handleText(ctx, p, ev.Text)
	default:
		return nil
	}
	if err != nil && !errors.Is(err, models.ErrDeliveryFailure) {
		r.fail(ctx, p.ID, p.Language(), err)
	}
	return err
}

func (r *Router) handleCommand(ctx context.Context, p *models.UserProfile, cmd string) error {
	switch cmd {
	case "start":
		return r.start(ctx, p)
	case "search":
		if !r.ensureMenu(ctx, p) {
			return nil
		}
		return r.reply(ctx, p, "search_filter_prompt", r.filterKeyboard(p.Language()))
	case "stop":
		return r.stop(ctx, p)
	case "help":
		return r.reply(ctx, p, "help", nil)
	case "status":
		return r.status(ctx, p)
	case "balance":
		if onboarding(p.Phase) {
			return r.prompt(ctx, p)
		}
		bal, err := r.exchange.Balance(ctx, p.ID)
		if err != nil {
			return err
		}
		return r.send(ctx, p.ID, r.loc.Format(p.Language(), "balance", bal.String()), nil)
	case "exchange":
		if !r.ensureMenu(ctx, p) {
			return nil
		}
		if err := r.exchange.Begin(ctx, p.ID); err != nil {
			return err
		}
		return r.reply(ctx, p, "exchange_choose_pair", r.pairKeyboard(p.Language()))
	default:
		return r.reply(ctx, p, "unknown_command", nil)
	}
}

func (r *Router) handleCallback(ctx context.Context, p *models.UserProfile, data string) error {
	switch {
	case data == cbAgeYes:
		return r.advance(ctx, p, func() (*models.UserProfile, error) {
			return r.profiles.Transition(ctx, p.ID, models.EventAgeConfirmed)
		})
	case data == cbTermsAccept:
		return r.advance(ctx, p, func() (*models.UserProfile, error) {
			return r.profiles.Transition(ctx, p.ID, models.EventTermsAccepted)
		})
	case strings.HasPrefix(data, cbGenderPrefix):
		g, err := models.ParseGender(strings.TrimPrefix(data, cbGenderPrefix))
		if err != nil {
			return r.prompt(ctx, p)
		}
		return r.advance(ctx, p, func() (*models.UserProfile, error) {
			return r.profiles.SelectGender(ctx, p.ID, g)
		})
	case strings.HasPrefix(data, cbFindPrefix):
		f, err := models.ParseFilter(strings.TrimPrefix(data, cbFindPrefix))
		if err != nil {
			return r.reply(ctx, p, "search_filter_prompt", r.filterKeyboard(p.Language()))
		}
		return r.search(ctx, p, f)
	case data == cbCancel:
		return r.stop(ctx, p)
	case strings.HasPrefix(data, cbPairPrefix):
		return r.choosePair(ctx, p, strings.TrimPrefix(data, cbPairPrefix))
	case data == cbConfirmYes:
		return r.confirmExchange(ctx, p)
	case data == cbConfirmNo:
		if _, err := r.exchange.Cancel(ctx, p.ID); err != nil {
			return err
		}
		if err := r.reply(ctx, p, "exchange_cancelled", nil); err != nil {
			return err
		}
		return r.prompt(ctx, p)
	default:
		r.logger.Warn("unknown callback", slog.String("user_id", p.ID), slog.String("data", data))
		return nil
	}
}

func (r *Router) handleText(ctx context.Context, p *models.UserProfile, text string) error {
	switch p.Phase {
	case models.PhaseInChat:
		return r.relay(ctx, p, text)
	case models.PhaseSearching:
		return r.reply(ctx, p, "already_searching", r.cancelKeyboard(p.Language()))
	case models.PhaseMenu:
		return r.enterAmount(ctx, p, text)
	default:
		return r.prompt(ctx, p)
	}
}

// advance runs an onboarding step and shows the next prompt. A button pressed
// out of order just shows the prompt for where the user really is.
func (r *Router) advance(ctx context.Context, p *models.UserProfile, step func() (*models.UserProfile, error)) error {
	next, err := step()
	if errors.Is(err, models.ErrInvalidTransition) {
		return r.prompt(ctx, p)
	}
	if err != nil {
		return err
	}
	return r.prompt(ctx, next)
}

// prompt shows what the user is expected to do in their current phase.
func (r *Router) prompt(ctx context.Context, p *models.UserProfile) error {
	lang := p.Language()
	switch p.Phase {
	case models.PhaseNew, models.PhaseAgePending:
		return r.reply(ctx, p, "age_prompt", r.ageKeyboard(lang))
	case models.PhaseTermsPending:
		return r.reply(ctx, p, "terms_prompt", r.termsKeyboard(lang))
	case models.PhaseProfilePending:
		return r.reply(ctx, p, "gender_prompt", r.genderKeyboard(lang))
	case models.PhaseSearching:
		return r.reply(ctx, p, "searching", r.cancelKeyboard(lang))
	case models.PhaseInChat:
		return r.reply(ctx, p, "already_in_chat", nil)
	default:
		return r.reply(ctx, p, "menu", nil)
	}
}

func onboarding(ph models.Phase) bool {
	switch ph {
	case models.PhaseNew, models.PhaseAgePending, models.PhaseTermsPending, models.PhaseProfilePending:
		return true
	}
	return false
}

// ensureMenu answers for users who are not in MENU and reports whether they are.
func (r *Router) ensureMenu(ctx context.Context, p *models.UserProfile) bool {
	var err error
	switch {
	case p.Phase == models.PhaseMenu:
		return true
	case onboarding(p.Phase):
		if err = r.reply(ctx, p, "finish_onboarding", nil); err == nil {
			err = r.prompt(ctx, p)
		}
	case p.Phase == models.PhaseSearching:
		err = r.reply(ctx, p, "already_searching", r.cancelKeyboard(p.Language()))
	case p.Phase == models.PhaseInChat:
		err = r.reply(ctx, p, "already_in_chat", nil)
	}
	if err != nil {
		r.logger.Warn("reply failed", slog.String("user_id", p.ID), slog.String("error", err.Error()))
	}
	return false
}

// start shows the prompt for the user's phase. A SEARCHING or IN_CHAT user
// whose queue entry or session is gone is brought back to MENU.
func (r *Router) start(ctx context.Context, p *models.UserProfile) error {
	if _, err := r.exchange.Cancel(ctx, p.ID); err != nil {
		return err
	}
	stale := false
	switch p.Phase {
	case models.PhaseSearching:
		listed, err := r.hub.Queue.Listed(ctx, p.ID)
		if err != nil {
			return err
		}
		stale = !listed
	case models.PhaseInChat:
		_, err := r.hub.Sessions.SessionFor(ctx, p.ID)
		if err != nil && !errors.Is(err, models.ErrNoActiveSession) {
			return err
		}
		stale = err != nil
	}
	if !stale {
		return r.prompt(ctx, p)
	}

	next, err := r.recoverToMenu(ctx, p)
	if err != nil {
		return err
	}
	if p.Phase == models.PhaseSearching {
		// A marker whose index write failed would keep the user from searching again.
		if _, err := r.hub.Queue.Dequeue(ctx, p.ID); err != nil {
			r.logger.Warn("failed to clear stale queue entry", slog.String("user_id", p.ID), slog.String("error", err.Error()))
		}
	}
	if err := r.reply(ctx, next, "recovered", nil); err != nil {
		return err
	}
	return r.prompt(ctx, next)
}

func (r *Router) recoverToMenu(ctx context.Context, p *models.UserProfile) (*models.UserProfile, error) {
	next, err := r.profiles.Transition(ctx, p.ID, models.EventRecovered)
	if err != nil {
		return nil, err
	}
	r.logger.Info("user recovered to menu", slog.String("user_id", p.ID), slog.String("from", string(p.Phase)))
	return next, nil
}

// stop cancels a search, ends a chat or drops an exchange in progress.
func (r *Router) stop(ctx context.Context, p *models.UserProfile) error {
	switch p.Phase {
	case models.PhaseSearching:
		err := r.hub.Matcher.CancelSearch(ctx, p.ID)
		if errors.Is(err, models.ErrAlreadyInChat) || errors.Is(err, models.ErrInvalidTransition) {
			// Paired or timed out in the meantime; that outcome has been reported.
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.reply(ctx, p, "search_cancelled", nil); err != nil {
			return err
		}
		return r.reply(ctx, p, "menu", nil)
	case models.PhaseInChat:
		err := r.hub.Sessions.End(ctx, p.ID, models.EndUserRequested)
		if errors.Is(err, models.ErrNoActiveSession) {
			next, rerr := r.recoverToMenu(ctx, p)
			if rerr != nil {
				return rerr
			}
			return r.reply(ctx, next, "not_in_chat", nil)
		}
		if r.limiter != nil {
			r.limiter.Forget(p.ID)
		}
		// Both sides get their notice from the session manager.
		return err
	case models.PhaseMenu:
		cancelled, err := r.exchange.Cancel(ctx, p.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return r.reply(ctx, p, "exchange_cancelled", nil)
		}
		return r.reply(ctx, p, "not_in_chat", nil)
	default:
		return r.prompt(ctx, p)
	}
}

// search starts a search: MENU to SEARCHING with one free search consumed,
// then a pairing attempt. If pairing fails the user is put back in MENU.
func (r *Router) search(ctx context.Context, p *models.UserProfile, f models.Filter) error {
	if !r.ensureMenu(ctx, p) {
		return nil
	}
	next, err := r.profiles.BeginSearch(ctx, p.ID)
	switch {
	case errors.Is(err, models.ErrQuotaExhausted):
		return r.reply(ctx, p, "quota_exhausted", nil)
	case errors.Is(err, models.ErrInvalidTransition):
		// Phase moved under us; answer for the fresh one.
		cur, gerr := r.profiles.Get(ctx, p.ID)
		if gerr != nil {
			return gerr
		}
		return r.prompt(ctx, cur)
	case err != nil:
		return err
	}
	if _, err := r.exchange.Cancel(ctx, p.ID); err != nil {
		r.logger.Warn("failed to drop pending exchange", slog.String("user_id", p.ID), slog.String("error", err.Error()))
	}

	res, err := r.hub.Matcher.TryPair(ctx, p.ID, f)
	switch {
	case errors.Is(err, models.ErrAlreadyQueued):
		return r.reply(ctx, next, "already_searching", r.cancelKeyboard(next.Language()))
	case errors.Is(err, models.ErrDeliveryFailure):
		// The session was torn down and both users were told.
		return nil
	case err != nil:
		if cerr := r.hub.Matcher.CancelSearch(ctx, p.ID); cerr != nil {
			r.logger.Warn("failed to roll back search", slog.String("user_id", p.ID), slog.String("error", cerr.Error()))
		}
		return err
	}
	if res.Status == chathub.Paired {
		return nil
	}
	// A concurrent searcher may have claimed us already; they sent the chat notice.
	if cur, err := r.profiles.Get(ctx, p.ID); err == nil && cur.Phase == models.PhaseInChat {
		return nil
	}
	return r.reply(ctx, next, "searching", r.cancelKeyboard(next.Language()))
}

func (r *Router) relay(ctx context.Context, p *models.UserProfile, text string) error {
	if r.limiter != nil && !r.limiter.Allow(p.ID) {
		return r.reply(ctx, p, "slow_down", nil)
	}
	err := r.hub.Sessions.Relay(ctx, p.ID, text)
	switch {
	case errors.Is(err, models.ErrNoActiveSession):
		next, rerr := r.recoverToMenu(ctx, p)
		if rerr != nil {
			return rerr
		}
		if err := r.reply(ctx, next, "not_in_chat", nil); err != nil {
			return err
		}
		return r.prompt(ctx, next)
	case errors.Is(err, models.ErrDeliveryFailure):
		r.logger.Info("relay failed, session ended", slog.String("user_id", p.ID))
		return nil
	}
	return err
}

func (r *Router) status(ctx context.Context, p *models.UserProfile) error {
	phase := r.loc.GetString(p.Language(), phaseKey(p.Phase))
	if p.IsPremium {
		return r.send(ctx, p.ID, r.loc.Format(p.Language(), "status_premium", phase), nil)
	}
	return r.send(ctx, p.ID, r.loc.Format(p.Language(), "status", phase, p.FreeSearchesRemaining), nil)
}

func phaseKey(ph models.Phase) string {
	switch ph {
	case models.PhaseMenu:
		return "phase_menu"
	case models.PhaseSearching:
		return "phase_searching"
	case models.PhaseInChat:
		return "phase_in_chat"
	default:
		return "phase_onboarding"
	}
}

func (r *Router) choosePair(ctx context.Context, p *models.UserProfile, code string) error {
	if !r.ensureMenu(ctx, p) {
		return nil
	}
	pair, err := r.exchange.ChoosePair(ctx, p.ID, code)
	switch {
	case errors.Is(err, exchange.ErrNoPendingExchange):
		return r.reply(ctx, p, "exchange_no_pending", nil)
	case errors.Is(err, exchange.ErrUnknownPair):
		return r.reply(ctx, p, "exchange_unknown_pair", r.pairKeyboard(p.Language()))
	case err != nil:
		return err
	}
	text := r.loc.Format(p.Language(), "exchange_enter_amount", pair.From, pair.From, formatAmount(pair.Rate), pair.To)
	return r.send(ctx, p.ID, text, r.cancelExchangeKeyboard(p.Language()))
}

// enterAmount treats MENU text as the amount of a pending exchange.
func (r *Router) enterAmount(ctx context.Context, p *models.UserProfile, text string) error {
	lang := p.Language()
	pending, pair, err := r.exchange.EnterAmount(ctx, p.ID, text)
	switch {
	case errors.Is(err, exchange.ErrNoPendingExchange):
		return r.reply(ctx, p, "menu", nil)
	case errors.Is(err, exchange.ErrInvalidAmount):
		return r.reply(ctx, p, "exchange_invalid_amount", nil)
	case errors.Is(err, exchange.ErrInsufficientFunds):
		return r.send(ctx, p.ID, r.loc.Format(lang, "exchange_insufficient", pair.From), nil)
	case errors.Is(err, exchange.ErrUnknownPair):
		return r.reply(ctx, p, "exchange_unknown_pair", nil)
	case err != nil:
		return err
	}
	text = r.loc.Format(lang, "exchange_confirm",
		formatAmount(pending.Amount), pair.From, formatAmount(pending.ToAmount), pair.To)
	return r.send(ctx, p.ID, text, r.confirmKeyboard(lang))
}

func (r *Router) confirmExchange(ctx context.Context, p *models.UserProfile) error {
	lang := p.Language()
	pending, err := r.exchange.Pending(ctx, p.ID)
	if errors.Is(err, exchange.ErrNoPendingExchange) {
		return r.reply(ctx, p, "exchange_no_pending", nil)
	}
	if err != nil {
		return err
	}
	pair, _ := r.exchange.Rates().Lookup(pending.Pair)

	tx, err := r.exchange.Confirm(ctx, p.ID)
	switch {
	case errors.Is(err, exchange.ErrNoPendingExchange):
		return r.reply(ctx, p, "exchange_no_pending", nil)
	case errors.Is(err, exchange.ErrInsufficientFunds):
		return r.send(ctx, p.ID, r.loc.Format(lang, "exchange_insufficient", pair.From), nil)
	case err != nil:
		return err
	}

	done := r.loc.Format(lang, "exchange_done", tx.TransactionID,
		formatAmount(tx.Amount), pair.From, formatAmount(tx.ToAmount), pair.To)
	if err := r.send(ctx, p.ID, done, nil); err != nil {
		return err
	}
	r.notifyAdmin(ctx, p, tx, pair)
	return nil
}

func (r *Router) notifyAdmin(ctx context.Context, p *models.UserProfile, tx *models.Transaction, pair exchange.Pair) {
	if r.adminChatID == "" {
		return
	}
	who := p.ID
	if p.Username != "" {
		who = "@" + p.Username
	}
	text := r.loc.Format(localization.DefaultLanguage, "admin_exchange_notice", tx.TransactionID, who,
		formatAmount(tx.Amount), pair.From, formatAmount(tx.ToAmount), pair.To)
	if err := r.messenger.SendMessage(ctx, r.adminChatID, text, models.SendOptions{System: true}); err != nil {
		r.logger.Warn("admin notice failed", slog.String("transaction_id", tx.TransactionID), slog.String("error", err.Error()))
	}
}

// Notify renders a system notice from the hub in the user's language.
func (r *Router) Notify(ctx context.Context, userID string, n models.Notification) error {
	lang := localization.DefaultLanguage
	if p, err := r.profiles.Get(ctx, userID); err == nil {
		lang = p.Language()
	}

	var key string
	switch n.Kind {
	case models.NotifyChatStarted:
		key = "chat_started"
	case models.NotifySearchTimedOut:
		key = "search_timed_out"
	case models.NotifyChatEnded:
		if r.limiter != nil {
			r.limiter.Forget(userID)
		}
		switch {
		case n.Reason == models.EndTimeout:
			key = "chat_ended_timeout"
		case n.Reason == models.EndDeliveryFailure:
			key = "chat_ended_delivery"
		case n.Initiator:
			key = "chat_ended_self"
		default:
			key = "chat_ended_partner"
		}
	default:
		r.logger.Warn("unknown notification", slog.String("user_id", userID), slog.String("kind", string(n.Kind)))
		return nil
	}
	return r.send(ctx, userID, r.loc.GetString(lang, key), nil)
}

// fail answers an error that escaped the handlers. The phase is left as it
// is, so /start can always bring the user back.
func (r *Router) fail(ctx context.Context, userID, lang string, err error) {
	key := "generic_error"
	if errors.Is(err, models.ErrStoreUnavailable) {
		key = "store_unavailable"
	}
	r.logger.Error("failed to handle event", slog.String("user_id", userID), slog.String("error", err.Error()))
	if sendErr := r.send(ctx, userID, r.loc.GetString(lang, key), nil); sendErr != nil {
		r.logger.Warn("failed to send error notice", slog.String("user_id", userID), slog.String("error", sendErr.Error()))
	}
}

func (r *Router) reply(ctx context.Context, p *models.UserProfile, key string, buttons [][]models.Button) error {
	return r.send(ctx, p.ID, r.loc.GetString(p.Language(), key), buttons)
}

func (r *Router) send(ctx context.Context, userID, text string, buttons [][]models.Button) error {
	return r.messenger.SendMessage(ctx, userID, text, models.SendOptions{Buttons: buttons, System: true})
}

// Package exchange is the demo fixed-rate currency exchange: a three step
// flow (choose pair, enter amount, confirm) kept in the key-value store with
// a TTL, per-user demo balances and a ledger of completed transactions.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"chatpair/backend/internal/models"
	"chatpair/backend/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrUnknownPair       = errors.New("unknown exchange pair")
	ErrInvalidAmount     = errors.New("amount must be a positive number")
	ErrNoPendingExchange = errors.New("no exchange in progress")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

const maxCASAttempts = 16

// Step is where a user is in the exchange flow.
type Step string

const (
	StepChoosePair  Step = "choose_pair"
	StepEnterAmount Step = "enter_amount"
	StepConfirm     Step = "confirm"
)

func stateKey(userID string) string   { return "exchange:" + userID }
func balanceKey(userID string) string { return "balance:" + userID }

// Pending is the in-progress exchange of one user.
type Pending struct {
	Step     Step    `json:"step"`
	Pair     string  `json:"pair,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	ToAmount float64 `json:"to_amount,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
}

// Ledger stores completed transactions. storage.Archive implements it.
type Ledger interface {
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
}

type Deps struct {
	Store storage.Store
	Rates *RateTable
	// Ledger is optional; without it transactions live only in the logs.
	Ledger   Ledger
	StateTTL time.Duration
	Logger   *slog.Logger
}

type Service struct {
	kv     storage.Store
	rates  *RateTable
	ledger Ledger
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(d Deps) *Service {
	if d.Rates == nil {
		d.Rates = DefaultRates()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		kv:     d.Store,
		rates:  d.Rates,
		ledger: d.Ledger,
		ttl:    d.StateTTL,
		logger: d.Logger,
		now:    time.Now,
		newID:  transactionID,
	}
}

// transactionID is the first eight characters of a random UUID, upper-cased.
func transactionID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

func (s *Service) Rates() *RateTable { return s.rates }

// Begin starts (or restarts) the flow at pair selection.
func (s *Service) Begin(ctx context.Context, userID string) error {
	return s.save(ctx, userID, &Pending{Step: StepChoosePair})
}

// Pending returns the user's exchange in progress, or ErrNoPendingExchange.
func (s *Service) Pending(ctx context.Context, userID string) (*Pending, error) {
	raw, err := s.kv.Get(ctx, stateKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoPendingExchange
	}
	if err != nil {
		return nil, err
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode exchange state %s: %w", userID, err)
	}
	return &p, nil
}

func (s *Service) save(ctx context.Context, userID string, p *Pending) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, stateKey(userID), raw, s.ttl)
}

// ChoosePair selects the pair. It is accepted at any step so a user can go
// back and pick another pair.
func (s *Service) ChoosePair(ctx context.Context, userID, code string) (Pair, error) {
	if _, err := s.Pending(ctx, userID); err != nil {
		return Pair{}, err
	}
	pair, ok := s.rates.Lookup(code)
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnknownPair, code)
	}
	err := s.save(ctx, userID, &Pending{Step: StepEnterAmount, Pair: pair.Code(), Rate: pair.Rate})
	return pair, err
}

// ParseAmount accepts "0.5" and "0,5". Zero, negative and non-finite values are rejected.
func ParseAmount(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return v, nil
}

// EnterAmount quotes the exchange and moves to confirmation. The balance is
// checked here for an early answer and again when the exchange is confirmed.
func (s *Service) EnterAmount(ctx context.Context, userID, raw string) (*Pending, Pair, error) {
	p, err := s.Pending(ctx, userID)
	if err != nil {
		return nil, Pair{}, err
	}
	if p.Step != StepEnterAmount {
		return nil, Pair{}, ErrNoPendingExchange
	}
	pair, ok := s.rates.Lookup(p.Pair)
	if !ok {
		return nil, Pair{}, fmt.Errorf("%w: %s", ErrUnknownPair, p.Pair)
	}
	amount, err := ParseAmount(raw)
	if err != nil {
		return nil, pair, err
	}
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, pair, err
	}
	if bal[pair.From] < amount {
		return nil, pair, fmt.Errorf("%w: %s", ErrInsufficientFunds, pair.From)
	}

	next := &Pending{
		Step:     StepConfirm,
		Pair:     pair.Code(),
		Amount:   amount,
		ToAmount: pair.Convert(amount),
		Rate:     pair.Rate,
	}
	if err := s.save(ctx, userID, next); err != nil {
		return nil, pair, err
	}
	return next, pair, nil
}

// Cancel drops the exchange in progress and reports whether there was one.
func (s *Service) Cancel(ctx context.Context, userID string) (bool, error) {
	return s.kv.Delete(ctx, stateKey(userID))
}

// Confirm executes the quoted exchange. Deleting the pending state is the
// claim, so a double-tapped confirm button executes once.
func (s *Service) Confirm(ctx context.Context, userID string) (*models.Transaction, error) {
	p, err := s.Pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.Step != StepConfirm {
		return nil, ErrNoPendingExchange
	}
	pair, ok := s.rates.Lookup(p.Pair)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, p.Pair)
	}
	claimed, err := s.kv.Delete(ctx, stateKey(userID))
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrNoPendingExchange
	}

	if _, err := s.updateBalance(ctx, userID, func(b Balance) error {
		if b[pair.From] < p.Amount {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, pair.From)
		}
		b[pair.From] = round6(b[pair.From] - p.Amount)
		b[pair.To] = round6(b[pair.To] + p.ToAmount)
		return nil
	}); err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		TransactionID: s.newID(),
		UserID:        userID,
		Pair:          pair.From + "/" + pair.To,
		Amount:        p.Amount,
		ToAmount:      p.ToAmount,
		Rate:          p.Rate,
		Status:        "completed",
		CreatedAt:     s.now().UTC(),
	}
	s.logger.Info("exchange completed",
		slog.String("user_id", userID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("pair", tx.Pair),
		slog.Float64("amount", tx.Amount),
		slog.Float64("to_amount", tx.ToAmount),
	)

	if s.ledger != nil {
		if err := s.ledger.SaveTransaction(ctx, tx); err != nil {
			// The balance already moved; the log line above is the record.
			s.logger.Error("failed to save transaction", slog.String("transaction_id", tx.TransactionID), slog.String("error", err.Error()))
		}
	}
	return tx, nil
}

// Balance returns the user's demo balance, the starting balance if they never traded.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	b, _, err := s.loadBalance(ctx, userID)
	return b, err
}

func (s *Service) loadBalance(ctx context.Context, userID string) (Balance, []byte, error) {
	raw, err := s.kv.Get(ctx, balanceKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return s.rates.StartingBalance(), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	b := Balance{}
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, nil, fmt.Errorf("decode balance %s: %w", userID, err)
	}
	return b, raw, nil
}

func (s *Service) updateBalance(ctx context.Context, userID string, fn func(b Balance) error) (Balance, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		b, old, err := s.loadBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(b); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		var ok bool
		if old == nil {
			ok, err = s.kv.SetIfAbsent(ctx, balanceKey(userID), raw, 0)
		} else {
			ok, err = s.kv.CompareAndSwap(ctx, balanceKey(userID), old, raw, 0)
		}
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: balance %s: too many concurrent updates", models.ErrStoreUnavailable, userID)
}

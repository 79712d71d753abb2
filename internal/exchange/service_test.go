package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatpair/backend/internal/models"
	"chatpair/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func newTestService(t *testing.T, ledger Ledger) *Service {
	t.Helper()
	s := NewService(Deps{Store: storage.NewMemoryStore(), Ledger: ledger, StateTTL: time.Minute})
	s.newID = func() string { return "ABCD1234" }
	return s
}

func TestDefaultRates(t *testing.T) {
	rates := DefaultRates()

	codes := []string{}
	for _, p := range rates.Pairs() {
		codes = append(codes, p.Code())
	}
	assert.Equal(t, []string{"BTC_USDT", "ETH_USDT", "USDT_BTC", "USDT_ETH"}, codes)

	p, ok := rates.Lookup("usdt_btc")
	require.True(t, ok)
	assert.InDelta(t, 1.0/60000, p.Rate, 1e-12)
	assert.Equal(t, 0.001, p.Convert(60))

	assert.Equal(t, Balance{"BTC": 0.1, "ETH": 0.5, "USDT": 50}, rates.StartingBalance())
}

func TestParseRates_Invalid(t *testing.T) {
	_, err := ParseRates([]byte("pairs:\n  - from: BTC\n    to: BTC\n    rate: 1\n"))
	assert.Error(t, err)

	_, err = ParseRates([]byte("pairs:\n  - from: BTC\n    to: USDT\n"))
	assert.Error(t, err, "a pair needs a rate")

	_, err = ParseRates([]byte("pairs: ["))
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 0,25 ")
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)

	for _, raw := range []string{"", "abc", "0", "-1", "NaN", "Inf"} {
		_, err := ParseAmount(raw)
		assert.ErrorIs(t, err, ErrInvalidAmount, raw)
	}
}

func TestExchangeFlow(t *testing.T) {
	ctx := context.Background()
	ledger := new(MockLedger)
	ledger.On("SaveTransaction", mock.Anything, mock.MatchedBy(func(tx *models.Transaction) bool {
		return tx.TransactionID == "ABCD1234" && tx.Pair == "BTC/USDT" && tx.ToAmount == 3000
	})).Return(nil).Once()
	s := newTestService(t, ledger)

	_, err := s.ChoosePair(ctx, "u1", "BTC_USDT")
	assert.ErrorIs(t, err, ErrNoPendingExchange, "flow must be started first")

	require.NoError(t, s.Begin(ctx, "u1"))
	_, err = s.ChoosePair(ctx, "u1", "DOGE_USDT")
	assert.ErrorIs(t, err, ErrUnknownPair)

	pair, err := s.ChoosePair(ctx, "u1", "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC", pair.From)

	_, _, err = s.EnterAmount(ctx, "u1", "-3")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	pending, _, err := s.EnterAmount(ctx, "u1", "0.05")
	require.NoError(t, err)
	assert.Equal(t, StepConfirm, pending.Step)
	assert.Equal(t, 3000.0, pending.ToAmount)

	tx, err := s.Confirm(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", tx.TransactionID)
	assert.Equal(t, "completed", tx.Status)

	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, bal["BTC"], 1e-9)
	assert.InDelta(t, 3050, bal["USDT"], 1e-9)
	assert.InDelta(t, 0.5, bal["ETH"], 1e-9)

	_, err = s.Confirm(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoPendingExchange, "state is gone after confirmation")
	ledger.AssertExpectations(t)
}

func TestEnterAmount_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	require.NoError(t, s.Begin(ctx, "u1"))
	_, err := s.ChoosePair(ctx, "u1", "ETH_USDT")
	require.NoError(t, err)

	_, _, err = s.EnterAmount(ctx, "u1", "1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	p, err := s.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StepEnterAmount, p.Step, "user may enter another amount")
}

func TestEnterAmount_WrongStep(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	_, _, err := s.EnterAmount(ctx, "u1", "1")
	assert.ErrorIs(t, err, ErrNoPendingExchange)

	require.NoError(t, s.Begin(ctx, "u1"))
	_, _, err = s.EnterAmount(ctx, "u1", "1")
	assert.ErrorIs(t, err, ErrNoPendingExchange, "no pair chosen yet")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	require.NoError(t, s.Begin(ctx, "u1"))
	ok, err := s.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirm_LedgerFailureKeepsTrade(t *testing.T) {
	ctx := context.Background()
	ledger := new(MockLedger)
	ledger.On("SaveTransaction", mock.Anything, mock.Anything).Return(errors.New("db down"))
	s := newTestService(t, ledger)

	require.NoError(t, s.Begin(ctx, "u1"))
	_, err := s.ChoosePair(ctx, "u1", "USDT_ETH")
	require.NoError(t, err)
	_, _, err = s.EnterAmount(ctx, "u1", "30")
	require.NoError(t, err)

	tx, err := s.Confirm(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.01, tx.ToAmount)
}

// TestConfirm_Once verifies that concurrent confirmations execute a single trade.
func TestConfirm_Once(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	require.NoError(t, s.Begin(ctx, "u1"))
	_, err := s.ChoosePair(ctx, "u1", "USDT_BTC")
	require.NoError(t, err)
	_, _, err = s.EnterAmount(ctx, "u1", "6")
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Confirm(ctx, "u1"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	bal, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 44, bal["USDT"], 1e-9)
	assert.InDelta(t, 0.1001, bal["BTC"], 1e-9)
}

func TestBalance_String(t *testing.T) {
	b := Balance{"USDT": 50, "BTC": 0.1}
	assert.Equal(t, "• BTC: 0.100000\n• USDT: 50.000000", b.String())
}

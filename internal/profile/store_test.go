package profile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatpair/backend/internal/models"
	"chatpair/backend/internal/profile"
	"chatpair/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onboard creates a user and walks them to MENU.
func onboard(t *testing.T, s *profile.Store, userID string, g models.Gender) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Create(ctx, userID, models.PlatformMeta{LanguageCode: "uk"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, userID, models.EventAgeConfirmed)
	require.NoError(t, err)
	_, err = s.Transition(ctx, userID, models.EventTermsAccepted)
	require.NoError(t, err)
	_, err = s.SelectGender(ctx, userID, g)
	require.NoError(t, err)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 3)

	p, err := s.Create(ctx, "42", models.PlatformMeta{Username: "neo", LanguageCode: "ru"})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAgePending, p.Phase)
	assert.Equal(t, 3, p.FreeSearchesRemaining)
	assert.False(t, p.HasGender())
	assert.Equal(t, "ru", p.Language())

	_, err = s.Create(ctx, "42", models.PlatformMeta{})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	got, err := s.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, p.CreatedAt.Unix(), got.CreatedAt.Unix())

	_, err = s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrProfileNotFound)
}

func TestOnboardingAndSearchCycle(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 3)
	onboard(t, s, "1", models.GenderFemale)

	p, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMenu, p.Phase)
	require.True(t, p.HasGender())
	assert.Equal(t, models.GenderFemale, *p.Gender)

	p, err = s.BeginSearch(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSearching, p.Phase)
	assert.Equal(t, 2, p.FreeSearchesRemaining)

	p, err = s.Transition(ctx, "1", models.EventChatStarted)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseInChat, p.Phase)

	p, err = s.Transition(ctx, "1", models.EventChatEnded)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMenu, p.Phase)
}

func TestTransition_InvalidLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 3)
	_, err := s.Create(ctx, "1", models.PlatformMeta{})
	require.NoError(t, err)

	before, err := s.Get(ctx, "1")
	require.NoError(t, err)

	_, err = s.Transition(ctx, "1", models.EventChatStarted)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.BeginSearch(ctx, "1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	after, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBeginSearch_QuotaExhaustedKeepsMenu(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 1)
	onboard(t, s, "1", models.GenderMale)

	_, err := s.BeginSearch(ctx, "1")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "1", models.EventSearchCancelled)
	require.NoError(t, err)

	_, err = s.BeginSearch(ctx, "1")
	assert.ErrorIs(t, err, models.ErrQuotaExhausted)

	p, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMenu, p.Phase)
	assert.Equal(t, 0, p.FreeSearchesRemaining)
}

func TestDecrementQuota_Premium(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 0)
	_, err := s.Create(ctx, "1", models.PlatformMeta{})
	require.NoError(t, err)

	_, err = s.DecrementQuota(ctx, "1")
	assert.ErrorIs(t, err, models.ErrQuotaExhausted)

	_, err = s.SetPremium(ctx, "1", true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		p, err := s.DecrementQuota(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, 0, p.FreeSearchesRemaining, "premium searches are free")
	}
}

func TestGrantSearches(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 0)
	_, err := s.Create(ctx, "1", models.PlatformMeta{})
	require.NoError(t, err)

	p, err := s.GrantSearches(ctx, "1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.FreeSearchesRemaining)

	_, err = s.GrantSearches(ctx, "1", 0)
	assert.Error(t, err)
}

// TestDecrementQuota_Monotonic checks remaining == max(0, initial-N) under concurrency.
func TestDecrementQuota_Monotonic(t *testing.T) {
	for _, n := range []int{1, 3, 10} {
		ctx := context.Background()
		const initial = 3
		s := profile.New(storage.NewMemoryStore(), initial)
		_, err := s.Create(ctx, "1", models.PlatformMeta{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded, exhausted := 0, 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.DecrementQuota(ctx, "1")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, models.ErrQuotaExhausted):
					exhausted++
				}
			}()
		}
		wg.Wait()

		p, err := s.Get(ctx, "1")
		require.NoError(t, err)
		want := initial - n
		if want < 0 {
			want = 0
		}
		assert.Equal(t, want, p.FreeSearchesRemaining, "n=%d", n)
		assert.Equal(t, initial-want, succeeded)
		assert.Equal(t, n-succeeded, exhausted)
	}
}

func TestRecoveredEvent(t *testing.T) {
	ctx := context.Background()
	s := profile.New(storage.NewMemoryStore(), 3)
	onboard(t, s, "1", models.GenderMale)

	_, err := s.Transition(ctx, "1", models.EventRecovered)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "MENU has nothing to recover")

	_, err = s.BeginSearch(ctx, "1")
	require.NoError(t, err)
	p, err := s.Transition(ctx, "1", models.EventRecovered)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMenu, p.Phase)
}

func TestStoreUnavailablePropagates(t *testing.T) {
	s := profile.New(failingStore{}, 3)
	_, err := s.Get(context.Background(), "1")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, models.ErrProfileNotFound)
}

type failingStore struct{ storage.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, models.ErrStoreUnavailable
}

func (failingStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, models.ErrStoreUnavailable
}

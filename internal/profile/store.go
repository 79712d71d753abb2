// Package profile owns the per-user record and its phase state machine.
//
// Every write is a single compare-and-swap of the whole JSON record, so a
// failed or illegal update never leaves a partial change behind.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatpair/backend/internal/models"
	"chatpair/backend/internal/storage"
)

const maxCASAttempts = 16

func key(userID string) string { return "profile:" + userID }

type Store struct {
	kv        storage.Store
	freeLimit int
	now       func() time.Time
}

// New creates a profile store that grants freeLimit searches to every new user.
func New(kv storage.Store, freeLimit int) *Store {
	return &Store{kv: kv, freeLimit: freeLimit, now: time.Now}
}

// Create registers a new user in AGE_PENDING.
func (s *Store) Create(ctx context.Context, userID string, meta models.PlatformMeta) (*models.UserProfile, error) {
	now := s.now().UTC()
	p := &models.UserProfile{
		ID:                    userID,
		Phase:                 models.PhaseAgePending,
		FreeSearchesRemaining: s.freeLimit,
		Username:              meta.Username,
		LanguageCode:          meta.LanguageCode,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ok, err := s.kv.SetIfAbsent(ctx, key(userID), raw, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyExists, userID)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	p, _, err := s.load(ctx, userID)
	return p, err
}

func (s *Store) load(ctx context.Context, userID string) (*models.UserProfile, []byte, error) {
	raw, err := s.kv.Get(ctx, key(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrProfileNotFound, userID)
	}
	if err != nil {
		return nil, nil, err
	}
	var p models.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return &p, raw, nil
}

// update applies fn to the current record and writes it back with
// compare-and-swap, retrying on concurrent writers. fn must not have side effects.
func (s *Store) update(ctx context.Context, userID string, fn func(p *models.UserProfile) error) (*models.UserProfile, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		p, old, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		p.UpdatedAt = s.now().UTC()
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		ok, err := s.kv.CompareAndSwap(ctx, key(userID), old, raw, 0)
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: profile %s: too many concurrent updates", models.ErrStoreUnavailable, userID)
}

// Transition moves the user along the phase table. An illegal event leaves
// the record untouched and returns ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, userID string, event models.Event) (*models.UserProfile, error) {
	return s.update(ctx, userID, func(p *models.UserProfile) error {
		next, err := Next(p.Phase, event)
		if err != nil {
			return err
		}
		p.Phase = next
		return nil
	})
}

// SelectGender records the gender and completes onboarding in one write.
func (s *Store) SelectGender(ctx context.Context, userID string, g models.Gender) (*models.UserProfile, error) {
	return s.update(ctx, userID, func(p *models.UserProfile) error {
		next, err := Next(p.Phase, models.EventGenderSelected)
		if err != nil {
			return err
		}
		gender := g
		p.Gender = &gender
		p.Phase = next
		return nil
	})
}

// BeginSearch moves MENU to SEARCHING and consumes one free search in the same write.
func (s *Store) BeginSearch(ctx context.Context, userID string) (*models.UserProfile, error) {
	return s.update(ctx, userID, func(p *models.UserProfile) error {
		next, err := Next(p.Phase, models.EventSearchStarted)
		if err != nil {
			return err
		}
		if err := consume(p); err != nil {
			return err
		}
		p.Phase = next
		return nil
	})
}

// DecrementQuota consumes one free search. Premium users are never charged.
func (s *Store) DecrementQuota(ctx context.Context, userID string) (*models.UserProfile, error) {
	return s.update(ctx, userID, consume)
}

func consume(p *models.UserProfile) error {
	if p.IsPremium {
		return nil
	}
	if p.FreeSearchesRemaining <= 0 {
		return fmt.Errorf("%w: %s", models.ErrQuotaExhausted, p.ID)
	}
	p.FreeSearchesRemaining--
	return nil
}

// GrantSearches adds n free searches.
func (s *Store) GrantSearches(ctx context.Context, userID string, n int) (*models.UserProfile, error) {
	if n <= 0 {
		return nil, fmt.Errorf("grant must be positive, got %d", n)
	}
	return s.update(ctx, userID, func(p *models.UserProfile) error {
		p.FreeSearchesRemaining += n
		return nil
	})
}

func (s *Store) SetPremium(ctx context.Context, userID string, premium bool) (*models.UserProfile, error) {
	return s.update(ctx, userID, func(p *models.UserProfile) error {
		p.IsPremium = premium
		return nil
	})
}

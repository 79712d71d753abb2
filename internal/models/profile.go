package models

import (
	"fmt"
	"time"
)

// Phase is the stage of a user's onboarding/usage state machine.
type Phase string

const (
	PhaseNew            Phase = "NEW"
	PhaseAgePending     Phase = "AGE_PENDING"
	PhaseTermsPending   Phase = "TERMS_PENDING"
	PhaseProfilePending Phase = "PROFILE_PENDING"
	PhaseMenu           Phase = "MENU"
	PhaseSearching      Phase = "SEARCHING"
	PhaseInChat         Phase = "IN_CHAT"
)

// Event drives a Phase transition.
type Event string

const (
	EventAgeConfirmed    Event = "age_confirmed"
	EventTermsAccepted   Event = "terms_accepted"
	EventGenderSelected  Event = "gender_selected"
	EventSearchStarted   Event = "search_started"
	EventSearchCancelled Event = "search_cancelled"
	EventSearchTimedOut  Event = "search_timed_out"
	EventChatStarted     Event = "chat_started"
	EventChatEnded       Event = "chat_ended"
	// EventRecovered returns a user whose search or chat state went stale to the menu.
	EventRecovered Event = "recovered"
)

// Gender is the declared gender of a user.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// ParseGender validates a raw gender value.
func ParseGender(s string) (Gender, error) {
	switch Gender(s) {
	case GenderMale, GenderFemale:
		return Gender(s), nil
	}
	return "", fmt.Errorf("unknown gender %q", s)
}

// Filter is the gender preference a user searches with.
type Filter string

const (
	FilterMale   Filter = "male"
	FilterFemale Filter = "female"
	FilterAny    Filter = "any"
)

// Filters lists every queue filter in a stable order.
var Filters = []Filter{FilterMale, FilterFemale, FilterAny}

// ParseFilter validates a raw filter value.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case FilterMale, FilterFemale, FilterAny:
		return Filter(s), nil
	}
	return "", fmt.Errorf("unknown search filter %q", s)
}

// Accepts reports whether a partner of gender g satisfies the filter.
func (f Filter) Accepts(g Gender) bool {
	return f == FilterAny || string(f) == string(g)
}

// PlatformMeta carries what the messaging platform tells us about a new user.
type PlatformMeta struct {
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// UserProfile is the per-user record owned by the profile store.
type UserProfile struct {
	// ID is the opaque platform user identifier.
	ID    string `json:"id"`
	Phase Phase  `json:"phase"`
	// Gender is nil until the user picks one during onboarding.
	Gender                *Gender   `json:"gender,omitempty"`
	IsPremium             bool      `json:"is_premium"`
	FreeSearchesRemaining int       `json:"free_searches_remaining"`
	Username              string    `json:"username,omitempty"`
	LanguageCode          string    `json:"language_code,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// HasGender reports whether onboarding recorded a gender.
func (p *UserProfile) HasGender() bool {
	return p.Gender != nil && *p.Gender != ""
}

// Language returns the user's language code, defaulting to English.
func (p *UserProfile) Language() string {
	if p == nil || p.LanguageCode == "" {
		return "en"
	}
	return p.LanguageCode
}

package models

import "errors"

// Errors returned by the chat engine. Callers match them with errors.Is;
// implementations wrap them with context using %w.
var (
	ErrAlreadyExists     = errors.New("profile already exists")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrQuotaExhausted    = errors.New("free search quota exhausted")
	ErrAlreadyQueued     = errors.New("user already queued")
	ErrAlreadyInChat     = errors.New("user already in chat")
	ErrNoActiveSession   = errors.New("no active chat session")
	ErrProfileNotFound   = errors.New("profile not found")

	// ErrStoreUnavailable is a transport failure of the persistence collaborator. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDeliveryFailure is a transport failure of the messaging collaborator. Never retried.
	ErrDeliveryFailure = errors.New("message delivery failed")
)

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EndReason explains why a chat session was torn down.
type EndReason string

const (
	EndUserRequested   EndReason = "user_requested"
	EndTimeout         EndReason = "timeout"
	EndDeliveryFailure EndReason = "delivery_failure"
)

// ChatSession is the symmetric pairing of two users in an active conversation.
// The same record is reachable from both participants' ids.
type ChatSession struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Partner returns the other participant, or false if userID is not in the session.
func (s *ChatSession) Partner(userID string) (string, bool) {
	switch userID {
	case s.UserA:
		return s.UserB, true
	case s.UserB:
		return s.UserA, true
	}
	return "", false
}

// SessionID derives the session identifier from the pair and the creation time.
// The order of a and b does not matter; a later re-pairing of the same users
// gets a different id because startedAt differs.
func SessionID(a, b string, startedAt time.Time) string {
	if b < a {
		a, b = b, a
	}
	name := fmt.Sprintf("%s:%s:%d", a, b, startedAt.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// SessionRecord is the archived row of a chat session in PostgreSQL.
// Message content is never stored.
type SessionRecord struct {
	// SessionID is the identifier shared with the live ChatSession.
	SessionID    string         `gorm:"primaryKey"`
	Participants pq.StringArray `gorm:"type:text[]"`
	UserA        string         `gorm:"index"`
	UserB        string         `gorm:"index"`
	StartedAt    time.Time
	EndedAt      *time.Time
	EndReason    string
}

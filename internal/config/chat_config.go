package config

import "time"

const (
	// Search
	DefaultFreeSearchLimit = 3
	DefaultSearchTimeout   = 2 * time.Minute
	// MaxClaimAttempts bounds how many candidates TryPair tries after losing claim races.
	MaxClaimAttempts = 5

	// Chat
	DefaultChatTimeout = 15 * time.Minute
	DefaultRelayRate   = 1.0
	DefaultRelayBurst  = 5

	// Exchange
	ExchangeStateTTL = 15 * time.Minute

	// Store
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"

	// Admin
	RecentSessionsLimit = 20
)

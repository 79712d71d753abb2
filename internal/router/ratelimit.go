package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RelayLimiter throttles relayed chat messages per user. Idle entries are
// dropped by a background cleanup loop until Stop is called.
type RelayLimiter struct {
	rate  rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*userLimiter
	now      func() time.Time

	stopCh chan struct{}
	once   sync.Once
}

// NewRelayLimiter allows perSecond messages per user with the given burst.
func NewRelayLimiter(perSecond float64, burst int, cleanupInterval time.Duration) *RelayLimiter {
	rl := &RelayLimiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idle:     cleanupInterval,
		limiters: make(map[string]*userLimiter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go rl.cleanupLoop(cleanupInterval)
	}
	return rl
}

// Allow reports whether userID may send one more message now.
func (rl *RelayLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	ul, ok := rl.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[userID] = ul
	}
	ul.lastAccess = now
	return ul.limiter.AllowN(now, 1)
}

// Forget drops the limiter of a user, e.g. when their chat ends.
func (rl *RelayLimiter) Forget(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, userID)
}

func (rl *RelayLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *RelayLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RelayLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.idle)
	for id, ul := range rl.limiters {
		if ul.lastAccess.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}

func (rl *RelayLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

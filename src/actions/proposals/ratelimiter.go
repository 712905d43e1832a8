package proposals

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-user cooldown between proposal creations.
type RateLimiter struct {
	users map[string]time.Time
	mu    sync.Mutex
	limit time.Duration
	now   func() time.Time
}

func NewRateLimiter(limit time.Duration) *RateLimiter {
	return &RateLimiter{
		users: make(map[string]time.Time),
		limit: limit,
		now:   time.Now,
	}
}

// CanUse reports whether userID is outside its cooldown and, if so, starts a new one.
func (rl *RateLimiter) CanUse(userID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lastUse, exists := rl.users[userID]
	if !exists || now.Sub(lastUse) >= rl.limit {
		rl.users[userID] = now
		return true
	}
	return false
}

// Release forgets the last use of userID, e.g. after a rejected request.
func (rl *RateLimiter) Release(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.users, userID)
}

func (rl *RateLimiter) TimeUntilNext(userID string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lastUse, exists := rl.users[userID]
	if !exists {
		return 0
	}

	elapsed := rl.now().Sub(lastUse)
	if elapsed >= rl.limit {
		return 0
	}
	return rl.limit - elapsed
}

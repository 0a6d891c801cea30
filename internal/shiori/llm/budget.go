package llm

import (
	"sync"
	"time"
)

// DefaultTokenBudget is the daily per-user allowance when none is configured.
const DefaultTokenBudget = 200_000

// TokenBudget enforces a per-user daily token budget for completion calls.
//
// Counters reset at midnight UTC. Call Allow before a request and
// RecordUsage after it. Each user has an independent counter, so users never
// contend with each other. TokenBudget is safe for concurrent use.
type TokenBudget struct {
	budget int
	now    func() time.Time
	users  sync.Map // userID → *dailyUsage
}

type dailyUsage struct {
	mu      sync.Mutex
	tokens  int
	resetAt time.Time // next midnight UTC
}

// NewTokenBudget returns a TokenBudget allowing at most dailyBudget tokens
// per user per UTC day. A non-positive dailyBudget uses DefaultTokenBudget.
func NewTokenBudget(dailyBudget int) *TokenBudget {
	if dailyBudget <= 0 {
		dailyBudget = DefaultTokenBudget
	}
	return &TokenBudget{budget: dailyBudget, now: time.Now}
}

// Budget returns the configured daily limit.
func (tb *TokenBudget) Budget() int {
	return tb.budget
}

// Allow reports whether userID still has budget left today. It does not
// consume anything.
func (tb *TokenBudget) Allow(userID string) bool {
	return tb.Remaining(userID) > 0
}

// RecordUsage adds tokens to userID's running total for today.
func (tb *TokenBudget) RecordUsage(userID string, tokens int) {
	u := tb.counter(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	tb.resetIfNeeded(u)
	u.tokens += tokens
}

// Remaining returns how many tokens userID may still use today.
func (tb *TokenBudget) Remaining(userID string) int {
	u := tb.counter(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	tb.resetIfNeeded(u)
	if rem := tb.budget - u.tokens; rem > 0 {
		return rem
	}
	return 0
}

// Used returns the tokens userID has consumed today.
func (tb *TokenBudget) Used(userID string) int {
	u := tb.counter(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	tb.resetIfNeeded(u)
	return u.tokens
}

func (tb *TokenBudget) counter(userID string) *dailyUsage {
	if v, ok := tb.users.Load(userID); ok {
		return v.(*dailyUsage)
	}
	v, _ := tb.users.LoadOrStore(userID, &dailyUsage{resetAt: nextMidnightUTC(tb.now())})
	return v.(*dailyUsage)
}

// resetIfNeeded zeroes the counter once the UTC day has rolled over. Must be
// called with u.mu held.
func (tb *TokenBudget) resetIfNeeded(u *dailyUsage) {
	now := tb.now().UTC()
	if !now.Before(u.resetAt) {
		u.tokens = 0
		u.resetAt = nextMidnightUTC(now)
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Package ratelimit enforces a per-connection operation budget.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
)

// Operation names with their own budget.
const (
	OpJoinSession   = "joinSession"
	OpCreateSession = "createSession"
	OpSetQueue      = "setQueue"
)

// Rule allows Count operations per Per window, all of which may burst at once.
// The window opens with the first operation and does not slide.
type Rule struct {
	Count int
	Per   time.Duration
}

type Limits struct {
	Default   Rule
	Overrides map[string]Rule
}

func DefaultLimits() Limits {
	return Limits{
		Default: Rule{Count: 60, Per: time.Minute},
		Overrides: map[string]Rule{
			OpJoinSession:   {Count: 10, Per: time.Minute},
			OpCreateSession: {Count: 5, Per: time.Minute},
			OpSetQueue:      {Count: 30, Per: time.Minute},
		},
	}
}

// bucket holds one window's budget. A zero-rate limiter never refills, so
// its burst is the whole window's allowance.
type bucket struct {
	limiter     *rate.Limiter
	windowStart time.Time
	lastSeen    time.Time
}

// Limiter keeps one fixed window per (connection, budget). Operations without
// an override share the connection's default window.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	buckets map[string]map[string]*bucket
	now     func() time.Time
	logger  *zap.Logger
}

func New(limits Limits, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]map[string]*bucket),
		now:     time.Now,
		logger:  logger,
	}
}

// Allow spends one operation of op's budget on connID, or returns a
// THROTTLED error once the current window is used up.
func (l *Limiter) Allow(connID, op string) error {
	rule, key := l.ruleFor(op)
	if rule.Count <= 0 {
		return nil
	}

	l.mu.Lock()
	byKey, ok := l.buckets[connID]
	if !ok {
		byKey = make(map[string]*bucket)
		l.buckets[connID] = byKey
	}
	now := l.now()
	b, ok := byKey[key]
	if !ok {
		b = &bucket{}
		byKey[key] = b
	}
	if b.limiter == nil || now.Sub(b.windowStart) >= rule.Per {
		b.limiter = rate.NewLimiter(0, rule.Count)
		b.windowStart = now
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		l.logger.Warn("rate limit exceeded", zap.String("connection_id", connID), zap.String("op", op))
		return apperr.Throttled("too many %s requests, limit is %d per %s", op, rule.Count, rule.Per)
	}
	return nil
}

func (l *Limiter) ruleFor(op string) (Rule, string) {
	if r, ok := l.limits.Overrides[op]; ok {
		return r, op
	}
	return l.limits.Default, ""
}

// Forget drops all buckets for a closed connection.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}

// Sweep removes buckets idle for longer than maxIdle and returns how many connections were dropped.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	dropped := 0
	for connID, byKey := range l.buckets {
		idle := true
		for _, b := range byKey {
			if b.lastSeen.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.buckets, connID)
			dropped++
		}
	}
	return dropped
}

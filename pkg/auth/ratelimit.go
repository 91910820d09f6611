package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter decides whether an authenticated identity may make another
// request. A rejection wraps ErrTooManyRequests.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds the request budget of one service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// LimitError is returned when an identity has spent its budget for the
// current window.
type LimitError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: tier %s, retry after %s", ErrTooManyRequests, e.Tier, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrTooManyRequests }

const limitWindow = time.Minute

// InProcessLimiter counts requests per subject and tier in fixed one minute
// windows. Counters of finished windows are dropped on the next sweep.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int
	now        func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

type window struct {
	start time.Time
	used  int
}

// NewInProcessLimiter returns a limiter with per-tier budgets. Tiers not
// listed get defaultRPM; a budget of zero means unlimited.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		now:        time.Now,
		windows:    make(map[string]*window),
	}
}

// Allow spends one request of the identity's budget. A nil identity is
// never limited.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	if identity == nil {
		return nil
	}
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}
	budget := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		budget = tc.RequestsPerMinute
	}
	if budget <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	key := identity.Subject + "\x00" + tier
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= limitWindow {
		l.windows[key] = &window{start: now, used: 1}
		return nil
	}
	if w.used >= budget {
		return &LimitError{Tier: tier, RetryAfter: w.start.Add(limitWindow).Sub(now)}
	}
	w.used++
	return nil
}

// sweep drops expired windows at most once per window length.
func (l *InProcessLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limitWindow {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if now.Sub(w.start) >= limitWindow {
			delete(l.windows, key)
		}
	}
}

// Len returns the number of tracked windows.
func (l *InProcessLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

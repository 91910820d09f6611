package auth

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderGuard limits how fast a single sender address may open long-lived
// streams. Each sender gets its own token bucket; idle buckets are swept.
type SenderGuard struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	senders map[string]*senderEntry
	lastGC  time.Time
	now     func() time.Time
}

type senderEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewSenderGuard allows perSecond subscriptions per sender with the given
// burst. perSecond <= 0 disables the guard.
func NewSenderGuard(perSecond float64, burst int) *SenderGuard {
	if burst < 1 {
		burst = 1
	}
	return &SenderGuard{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		senders: make(map[string]*senderEntry),
		now:     time.Now,
	}
}

// Allow reports whether sender may proceed. The port part of an address is
// ignored so one host is one sender.
func (g *SenderGuard) Allow(sender string) bool {
	if g == nil || g.limit <= 0 {
		return true
	}
	host := sender
	if h, _, err := net.SplitHostPort(sender); err == nil {
		host = h
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweep(now)

	e, ok := g.senders[host]
	if !ok {
		e = &senderEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.senders[host] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked senders.
func (g *SenderGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.senders)
}

func (g *SenderGuard) sweep(now time.Time) {
	if now.Sub(g.lastGC) < g.idle {
		return
	}
	g.lastGC = now
	for host, e := range g.senders {
		if now.Sub(e.seen) >= g.idle {
			delete(g.senders, host)
		}
	}
}

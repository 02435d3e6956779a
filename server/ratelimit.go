package server

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter keyed by caller. It exists to
// bound how often one client can hit the update endpoint; a well-behaved
// client throttles itself well under the limit.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time

	// now is the time source, for tests.
	now func() time.Time
}

// NewRateLimiter allows limit calls per key within the trailing window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one call for key and reports whether it is within the
// limit. Rejected calls are not recorded, so a client hammering the
// endpoint does not push its own window forward.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.hits[key][:0]

	for _, hit := range l.hits[key] {
		if hit.After(cutoff) {
			recent = append(recent, hit)
		}
	}
	if len(recent) >= l.limit {
		l.hits[key] = recent

		return false
	}
	l.hits[key] = append(recent, now)

	return true
}

// RunPruner runs Prune on the given interval until ctx is done. Client
// ids are ephemeral, so without pruning every session that ever hit the
// update endpoint would keep a key alive for the life of the process.
func (l *RateLimiter) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Prune drops keys with no hits inside the window. Callers run it
// periodically so idle clients do not accumulate.
func (l *RateLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)

	for key, hits := range l.hits {
		live := false
		for _, hit := range hits {
			if hit.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}

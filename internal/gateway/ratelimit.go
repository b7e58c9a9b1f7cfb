package gateway

import (
	"net"
	"sync"
	"time"
)

const (
	// maxTrackedSources caps the tracked source addresses to prevent
	// memory exhaustion from rotating source IPs.
	maxTrackedSources = 4096

	defaultLimitWindow  = time.Minute
	defaultLimitMaxHits = 120
)

type limitEntry struct {
	windowStart time.Time
	count       int
}

// SourceRateLimiter bounds webhook ingestion per source address with a
// fixed-window counter. Safe for concurrent use.
type SourceRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	window  time.Duration
	maxHits int
	now     func() time.Time
}

// NewSourceRateLimiter creates a limiter allowing maxHits per window per
// source. Non-positive arguments select the defaults.
func NewSourceRateLimiter(window time.Duration, maxHits int) *SourceRateLimiter {
	if window <= 0 {
		window = defaultLimitWindow
	}
	if maxHits <= 0 {
		maxHits = defaultLimitMaxHits
	}
	return &SourceRateLimiter{
		entries: make(map[string]*limitEntry),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow reports whether the source is within its limit, counting this call.
// Stale entries are pruned when the tracked set approaches the cap.
func (r *SourceRateLimiter) Allow(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedSources {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedSources {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[source]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[source] = &limitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}

// sourceKey extracts the host part of a RemoteAddr for rate-limit keying.
func sourceKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

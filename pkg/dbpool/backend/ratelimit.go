package backend

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AuthLimiter blocks hosts that fail authentication too often.
//
// Each host gets a token bucket of maxFailures tokens that refills one token
// per blockDuration. Every failed handshake spends a token; a host whose
// bucket runs dry is blocked for blockDuration.
type AuthLimiter struct {
	mu            sync.Mutex
	hosts         map[string]*authEntry
	maxFailures   int
	blockDuration time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

type authEntry struct {
	bucket    *rate.Limiter
	failures  int
	blockedAt time.Time
	lastSeen  time.Time
}

// NewAuthLimiter creates an AuthLimiter and starts its cleanup loop.
func NewAuthLimiter(maxFailures int, blockDuration time.Duration) *AuthLimiter {
	al := &AuthLimiter{
		hosts:         make(map[string]*authEntry),
		maxFailures:   maxFailures,
		blockDuration: blockDuration,
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go al.cleanupLoop()

	return al
}

// RecordFailure records a failed handshake from host and reports whether the
// host is now blocked.
func (al *AuthLimiter) RecordFailure(host string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := time.Now()
	entry, exists := al.hosts[host]
	if !exists {
		entry = &authEntry{
			bucket: rate.NewLimiter(rate.Every(al.blockDuration), al.maxFailures),
		}
		al.hosts[host] = entry
	}

	entry.failures++
	entry.lastSeen = now
	entry.bucket.AllowN(now, 1)

	if entry.bucket.TokensAt(now) < 1 {
		entry.blockedAt = now
		return true
	}
	return false
}

// IsBlocked reports whether host is inside its block window.
func (al *AuthLimiter) IsBlocked(host string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	entry, exists := al.hosts[host]
	if !exists || entry.blockedAt.IsZero() {
		return false
	}
	return time.Since(entry.blockedAt) < al.blockDuration
}

// Failures returns the number of failures recorded for host since its last reset.
func (al *AuthLimiter) Failures(host string) int {
	al.mu.Lock()
	defer al.mu.Unlock()

	if entry, ok := al.hosts[host]; ok {
		return entry.failures
	}
	return 0
}

// Reset forgets host, typically after a successful handshake.
func (al *AuthLimiter) Reset(host string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	delete(al.hosts, host)
}

func (al *AuthLimiter) cleanupLoop() {
	for {
		select {
		case <-al.cleanupTicker.C:
			al.cleanup(time.Now())
		case <-al.stopCleanup:
			return
		}
	}
}

// cleanup drops hosts idle for more than two block windows.
func (al *AuthLimiter) cleanup(now time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	for host, entry := range al.hosts {
		if now.Sub(entry.lastSeen) > al.blockDuration*2 {
			delete(al.hosts, host)
		}
	}
}

// Close stops the cleanup goroutine.
func (al *AuthLimiter) Close() {
	al.closeOnce.Do(func() {
		close(al.stopCleanup)
		al.cleanupTicker.Stop()
	})
}

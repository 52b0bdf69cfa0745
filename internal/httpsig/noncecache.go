package httpsig

import (
	"sync"
	"time"
)

const (
	// DefaultNonceTTL is the replay-detection window for signature nonces.
	DefaultNonceTTL = 10 * time.Minute

	// DefaultNonceMaxEntries bounds the cache so an attacker cannot grow
	// it without limit by sending unique nonces.
	DefaultNonceMaxEntries = 1024
)

// NonceCache tracks recently seen (key id, nonce) pairs so a Verifier can
// reject signature replays inside the uniqueness window. Entries expire
// after the TTL and the oldest entry is evicted when the cache is full.
// A nil *NonceCache disables replay tracking.
type NonceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
	now     func() time.Time
}

// NewNonceCache returns a cache with the given window and capacity.
// Non-positive values fall back to the defaults.
func NewNonceCache(ttl time.Duration, maxEntries int) *NonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}

	if maxEntries <= 0 {
		maxEntries = DefaultNonceMaxEntries
	}

	return &NonceCache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Remember records the (keyID, nonce) pair and reports whether it was
// fresh. A false return means the same pair was already seen inside the
// window — a replay. Empty nonces are never tracked.
func (c *NonceCache) Remember(keyID, nonce string) bool {
	if c == nil || nonce == "" {
		return true
	}

	key := keyID + "|" + nonce

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.prune(now)

	if _, seen := c.entries[key]; seen {
		return false
	}

	c.entries[key] = now
	if len(c.entries) <= c.max {
		return true
	}

	// Bounded memory: drop the oldest entry when over limit.
	var (
		oldestKey string
		oldestAt  time.Time
		first     = true
	)
	for k, at := range c.entries {
		if first || at.Before(oldestAt) {
			oldestKey = k
			oldestAt = at
			first = false
		}
	}
	delete(c.entries, oldestKey)

	return true
}

// Len reports the number of live entries.
func (c *NonceCache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())

	return len(c.entries)
}

func (c *NonceCache) prune(now time.Time) {
	for key, at := range c.entries {
		if now.Sub(at) > c.ttl {
			delete(c.entries, key)
		}
	}
}

package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementCache deduplicates settle calls for the same payload. It caches the
// response of a finished settlement for ttl and tracks settlements in flight so
// a client retrying after a timeout waits instead of submitting twice.
//
// The cache sits in front of the nonce ledger, not in place of it: a payload that
// falls out of the cache is still rejected with NonceUsed by the mechanism.
type SettlementCache struct {
	mu       sync.Mutex
	entries  map[string]cachedSettlement
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

type cachedSettlement struct {
	response *SettleResponse
	expires  time.Time
}

// SettlementStatus represents the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means the caller owns the settlement and must Complete or Fail it.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a finished response was found.
	StatusCached
	// StatusInFlight means another caller is settling the same payload.
	StatusInFlight
)

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		entries:  make(map[string]cachedSettlement),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateSettlementKey derives the cache key from the serialized settle request,
// payload and requirements together.
func GenerateSettlementKey(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.lookupLocked(key); ok {
		return StatusCached, entry, nil
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight settlement finishes or ctx ends.
// A nil response means the owner failed and the caller may try again.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached response for key, or nil
func (c *SettlementCache) Get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, _ := c.lookupLocked(key)
	return entry
}

// Complete caches the response and wakes the waiters
func (c *SettlementCache) Complete(key string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedSettlement{response: response, expires: c.now().Add(c.ttl)}
	delete(c.inFlight, key)
	close(done)

	c.evictExpiredLocked()
}

// Fail releases the in-flight marker without caching anything
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len reports the number of cached responses, expired or not.
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SettlementCache) lookupLocked(key string) (*SettleResponse, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.response, true
}

func (c *SettlementCache) evictExpiredLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, key)
		}
	}
}

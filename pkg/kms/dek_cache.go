package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type unwrapper interface {
	Unwrap(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error)
}

// DEKCache keeps unwrapped pad keys for a bounded time so that every read
// of a pad does not cost a KMS round trip. Concurrent misses for the same
// key share one unwrap.
type DEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  unwrapper
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	key       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewDEKCache(adapter *Adapter, ttl time.Duration) *DEKCache {
	return newDEKCache(adapter, ttl)
}

func newDEKCache(adapter unwrapper, ttl time.Duration) *DEKCache {
	c := &DEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the plaintext key. Callers wipe it after use.
func (c *DEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrapped, encContext)
	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedDEK)
			entry.mu.RLock()
			if time.Now().Before(entry.expiresAt) && entry.key != nil {
				dek := make([]byte, len(entry.key))
				copy(dek, entry.key)
				entry.mu.RUnlock()
				return dek, nil
			}
			entry.mu.RUnlock()
			c.cache.Delete(cacheKey)
		}
		plain, err := c.adapter.Unwrap(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		entry := &cachedDEK{
			key:       make([]byte, len(plain)),
			expiresAt: time.Now().Add(c.ttl).Add(hashToJitter(cacheKey, int64(c.ttl/10/time.Millisecond))),
		}
		copy(entry.key, plain)
		c.cache.Store(cacheKey, entry)
		return plain, nil
	})
	if err != nil {
		return nil, err
	}
	// the flight result is shared by every waiter
	shared := result.([]byte)
	dek := make([]byte, len(shared))
	copy(dek, shared)
	return dek, nil
}

func cacheKeyFor(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

// hashToJitter spreads expiry so keys cached together do not expire together.
func hashToJitter(hashStr string, maxJitterMillis int64) time.Duration {
	if maxJitterMillis <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMillis) * time.Millisecond
}

func (c *DEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *DEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.key)
			entry.key = nil
			c.cache.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

// Stop wipes every cached key. Later calls to Unwrap fail.
func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		wipeBytes(entry.key)
		entry.key = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func (c *DEKCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedDEK)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

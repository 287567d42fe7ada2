package policy

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/upb/crypto-control-plane/models"
)

// currentKey caches the active policy set. Version keys are immutable once
// written; only the current pointer needs a TTL to pick up activations made
// by another instance.
const currentKey = "current"

func versionKey(version int) string {
	return "v" + strconv.Itoa(version)
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key        string
	set        *models.PolicySet
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// SetCache is an in-memory LRU cache with TTL for policy sets.
// Thread-safe implementation using sync.Mutex.
type SetCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List    // Doubly linked list for LRU tracking
	maxSize int           // Maximum number of entries
	ttl     time.Duration // Time-to-live for entries
	hits    uint64        // Cache hit counter
	misses  uint64        // Cache miss counter
}

// NewSetCache creates a new SetCache with specified max size and TTL
func NewSetCache(maxSize int, ttl time.Duration) *SetCache {
	return &SetCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// GetCurrent retrieves the cached active policy set.
// Returns nil if not found or expired.
func (c *SetCache) GetCurrent() *models.PolicySet {
	return c.get(currentKey)
}

// GetVersion retrieves a cached policy set version.
// Returns nil if not found or expired.
func (c *SetCache) GetVersion(version int) *models.PolicySet {
	return c.get(versionKey(version))
}

// SetCurrent caches the active policy set
func (c *SetCache) SetCurrent(set *models.PolicySet) {
	c.put(currentKey, set)
}

// SetVersion caches a policy set under its version number
func (c *SetCache) SetVersion(set *models.PolicySet) {
	c.put(versionKey(set.Version), set)
}

// InvalidateCurrent drops the cached active set, forcing the next read
// through to storage
func (c *SetCache) InvalidateCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntry(currentKey)
}

// Clear removes all entries from the cache
func (c *SetCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

func (c *SetCache) get(key string) *models.PolicySet {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]

	// Check if entry exists and is not expired
	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			// Remove expired entry
			c.removeEntry(key)
		}
		return nil
	}

	// Move to front (most recently used)
	c.lruList.MoveToFront(entry.element)
	c.hits++

	return entry.set
}

func (c *SetCache) put(key string, set *models.PolicySet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if entry already exists
	if entry, exists := c.entries[key]; exists {
		// Update existing entry
		entry.set = set
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	// Evict least recently used entry if cache is full
	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	// Create new entry
	entry := &cacheEntry{
		key:        key,
		set:        set,
		insertedAt: time.Now(),
	}

	// Add to front of LRU list
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// Stats returns cache statistics
func (c *SetCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// calculateHitRate calculates the cache hit rate
func (c *SetCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *SetCache) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *SetCache) evictLRU() {
	if c.lruList.Len() == 0 {
		return
	}

	// Remove from back (least recently used)
	backElement := c.lruList.Back()
	if backElement != nil {
		key := backElement.Value.(string)
		c.lruList.Remove(backElement)
		delete(c.entries, key)
	}
}

// CleanupExpired removes all expired entries.
// Should be called periodically in a background goroutine.
func (c *SetCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiredKeys := make([]string, 0)

	// Find all expired entries
	for key, entry := range c.entries {
		if entry.isExpired(c.ttl) {
			expiredKeys = append(expiredKeys, key)
		}
	}

	// Remove expired entries
	for _, key := range expiredKeys {
		c.removeEntry(key)
	}

	return len(expiredKeys)
}

// StartCleanupWorker starts a background worker to periodically clean up expired entries
func (c *SetCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

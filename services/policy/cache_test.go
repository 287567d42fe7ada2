package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/upb/crypto-control-plane/models"
)

func testSet(version int) *models.PolicySet {
	return &models.PolicySet{
		Version: version,
		Name:    "baseline",
		Rules: []models.PolicyRule{
			{ID: "R001", Kind: models.RuleKindRequired, Field: "reason", Severity: models.SeverityMedium},
		},
	}
}

func TestSetCache_GetSetCurrent(t *testing.T) {
	cache := NewSetCache(10, 5*time.Minute)

	// Test cache miss
	assert.Nil(t, cache.GetCurrent())

	// Test cache set and hit
	set := testSet(3)
	cache.SetCurrent(set)

	cached := cache.GetCurrent()
	assert.NotNil(t, cached)
	assert.Equal(t, 3, cached.Version)

	// Check stats
	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestSetCache_GetSetVersion(t *testing.T) {
	cache := NewSetCache(10, 5*time.Minute)

	assert.Nil(t, cache.GetVersion(2))

	cache.SetVersion(testSet(2))
	cache.SetVersion(testSet(5))

	cached := cache.GetVersion(2)
	assert.NotNil(t, cached)
	assert.Equal(t, 2, cached.Version)

	cached = cache.GetVersion(5)
	assert.NotNil(t, cached)
	assert.Equal(t, 5, cached.Version)
}

func TestSetCache_CurrentAndVersionAreDistinct(t *testing.T) {
	cache := NewSetCache(10, 5*time.Minute)

	cache.SetVersion(testSet(1))
	assert.Nil(t, cache.GetCurrent())

	cache.SetCurrent(testSet(1))
	assert.NotNil(t, cache.GetCurrent())

	cache.InvalidateCurrent()
	assert.Nil(t, cache.GetCurrent())
	// The version entry survives invalidation of the current pointer
	assert.NotNil(t, cache.GetVersion(1))
}

func TestSetCache_TTLExpiration(t *testing.T) {
	cache := NewSetCache(10, 100*time.Millisecond)

	cache.SetCurrent(testSet(1))

	// Should be available immediately
	assert.NotNil(t, cache.GetCurrent())

	// Wait for TTL to expire
	time.Sleep(150 * time.Millisecond)

	// Should be expired now
	assert.Nil(t, cache.GetCurrent())

	// Check that expired entry was removed
	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size)
}

func TestSetCache_LRUEviction(t *testing.T) {
	cache := NewSetCache(3, 5*time.Minute)

	// Add 4 entries (should evict the first one)
	for v := 1; v <= 4; v++ {
		cache.SetVersion(testSet(v))
	}

	stats := cache.Stats()
	assert.Equal(t, 3, stats.Size)

	// Version 1 was least recently used and is gone
	assert.Nil(t, cache.GetVersion(1))
	assert.NotNil(t, cache.GetVersion(2))
	assert.NotNil(t, cache.GetVersion(3))
	assert.NotNil(t, cache.GetVersion(4))
}

func TestSetCache_LRUOrderFollowsAccess(t *testing.T) {
	cache := NewSetCache(3, 5*time.Minute)

	for v := 1; v <= 3; v++ {
		cache.SetVersion(testSet(v))
	}

	// Touch version 1 so version 2 becomes the eviction candidate
	assert.NotNil(t, cache.GetVersion(1))

	cache.SetVersion(testSet(4))

	assert.NotNil(t, cache.GetVersion(1))
	assert.Nil(t, cache.GetVersion(2))
	assert.NotNil(t, cache.GetVersion(4))
}

func TestSetCache_UpdateExistingEntry(t *testing.T) {
	cache := NewSetCache(10, 5*time.Minute)

	cache.SetCurrent(testSet(1))
	cache.SetCurrent(testSet(2))

	cached := cache.GetCurrent()
	assert.NotNil(t, cached)
	assert.Equal(t, 2, cached.Version)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
}

func TestSetCache_Clear(t *testing.T) {
	cache := NewSetCache(10, 5*time.Minute)

	cache.SetCurrent(testSet(1))
	cache.SetVersion(testSet(1))
	cache.Clear()

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Nil(t, cache.GetCurrent())
}

func TestSetCache_CleanupExpired(t *testing.T) {
	cache := NewSetCache(10, 50*time.Millisecond)

	cache.SetVersion(testSet(1))
	cache.SetVersion(testSet(2))

	time.Sleep(80 * time.Millisecond)
	cache.SetVersion(testSet(3))

	removed := cache.CleanupExpired()
	assert.Equal(t, 2, removed)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.NotNil(t, cache.GetVersion(3))
}

func TestSetCache_CleanupWorker(t *testing.T) {
	cache := NewSetCache(10, 50*time.Millisecond)
	cache.SetVersion(testSet(1))

	stopCh := make(chan struct{})
	go cache.StartCleanupWorker(20*time.Millisecond, stopCh)

	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size)
}

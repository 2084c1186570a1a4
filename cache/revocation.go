package cache

import (
	"context"
	"time"

	"github.com/willibrandon/nusign/observability"
)

// RevocationCache combines a memory tier (L1) with an optional disk tier (L2).
// Disk hits are promoted to memory.
type RevocationCache struct {
	l1 *MemoryCache
	l2 *DiskCache
}

// NewRevocationCache creates a cache. l2 may be nil.
func NewRevocationCache(l1 *MemoryCache, l2 *DiskCache) *RevocationCache {
	if l1 == nil {
		l1 = NewMemoryCache(1024, 16*1024*1024)
	}
	return &RevocationCache{l1: l1, l2: l2}
}

// Get returns the cached response for key.
func (rc *RevocationCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, span := observability.StartCacheLookupSpan(ctx, key)
	defer span.End()

	data, ok := rc.get(ctx, key)
	observability.RecordCacheHit(ctx, ok)
	return data, ok
}

func (rc *RevocationCache) get(ctx context.Context, key string) ([]byte, bool) {
	if data, _, ok := rc.l1.Get(key); ok {
		observability.CacheHitsTotal.WithLabelValues("memory").Inc()
		return data, true
	}
	observability.CacheMissesTotal.WithLabelValues("memory").Inc()

	if rc.l2 == nil || ctx.Err() != nil {
		return nil, false
	}
	data, expiry, ok, err := rc.l2.Get(key)
	if err != nil || !ok {
		observability.CacheMissesTotal.WithLabelValues("disk").Inc()
		return nil, false
	}
	observability.CacheHitsTotal.WithLabelValues("disk").Inc()

	rc.l1.Set(key, data, expiry)
	return data, true
}

// Set stores a response in every tier until expiry.
func (rc *RevocationCache) Set(ctx context.Context, key string, data []byte, expiry time.Time) error {
	rc.l1.Set(key, data, expiry)
	if rc.l2 == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return rc.l2.Set(key, data, expiry)
}

// Clear empties every tier.
func (rc *RevocationCache) Clear() error {
	rc.l1.Clear()
	if rc.l2 != nil {
		return rc.l2.Clear()
	}
	return nil
}

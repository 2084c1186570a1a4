// Package cache holds revocation responses between verification runs: an
// LRU memory tier for the current process and an optional disk tier that
// lets offline verification reuse responses fetched online earlier.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry represents a cached value with metadata.
type Entry struct {
	Value  []byte
	Expiry time.Time
	Size   int
}

// expiredAt reports whether the entry is stale at now.
func (e *Entry) expiredAt(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// MemoryCache is an LRU cache whose entries expire at an absolute time.
type MemoryCache struct {
	maxEntries int
	maxSize    int64 // Maximum total bytes
	now        func() time.Time

	mu        sync.Mutex
	entries   map[string]*list.Element // key -> list element
	lruList   *list.List               // front is most recently used
	totalSize int64
	hits      int64
	misses    int64
}

// lruEntry wraps cache key and entry for LRU list.
type lruEntry struct {
	key   string
	entry *Entry
}

// NewMemoryCache creates a new LRU memory cache.
func NewMemoryCache(maxEntries int, maxSize int64) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		maxSize:    maxSize,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
	}
}

// Get retrieves a value from the cache.
// Returns (value, expiry, true) if found and not expired.
func (mc *MemoryCache) Get(key string) ([]byte, time.Time, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	elem, ok := mc.entries[key]
	if !ok {
		mc.misses++
		return nil, time.Time{}, false
	}

	ent := elem.Value.(*lruEntry).entry
	if ent.expiredAt(mc.now()) {
		mc.removeElement(elem)
		mc.misses++
		return nil, time.Time{}, false
	}

	mc.lruList.MoveToFront(elem)
	mc.hits++

	// Return copy to prevent external modification
	value := make([]byte, len(ent.Value))
	copy(value, ent.Value)
	return value, ent.Expiry, true
}

// Set adds or replaces a value that expires at expiry. Values already
// expired are not stored.
func (mc *MemoryCache) Set(key string, value []byte, expiry time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.now().Before(expiry) {
		if elem, ok := mc.entries[key]; ok {
			mc.removeElement(elem)
		}
		return
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if elem, ok := mc.entries[key]; ok {
		ent := elem.Value.(*lruEntry).entry
		mc.totalSize += int64(len(stored) - ent.Size)
		ent.Value, ent.Expiry, ent.Size = stored, expiry, len(stored)
		mc.lruList.MoveToFront(elem)
	} else {
		elem := mc.lruList.PushFront(&lruEntry{
			key:   key,
			entry: &Entry{Value: stored, Expiry: expiry, Size: len(stored)},
		})
		mc.entries[key] = elem
		mc.totalSize += int64(len(stored))
	}

	mc.evictIfNeeded()
}

// Delete removes a key from the cache.
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if elem, ok := mc.entries[key]; ok {
		mc.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries = make(map[string]*list.Element)
	mc.lruList = list.New()
	mc.totalSize = 0
}

// Stats returns cache statistics.
func (mc *MemoryCache) Stats() Stats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return Stats{
		Entries:   len(mc.entries),
		SizeBytes: mc.totalSize,
		Hits:      mc.hits,
		Misses:    mc.misses,
	}
}

// removeElement removes an element from the cache (must hold lock).
func (mc *MemoryCache) removeElement(elem *list.Element) {
	lruEnt := elem.Value.(*lruEntry)
	delete(mc.entries, lruEnt.key)
	mc.lruList.Remove(elem)
	mc.totalSize -= int64(lruEnt.entry.Size)
}

// evictIfNeeded evicts least recently used entries until within limits.
func (mc *MemoryCache) evictIfNeeded() {
	for mc.lruList.Len() > mc.maxEntries || (mc.totalSize > mc.maxSize && mc.lruList.Len() > 0) {
		mc.removeElement(mc.lruList.Back())
	}
}

// Stats holds cache statistics.
type Stats struct {
	Entries   int
	SizeBytes int64
	Hits      int64
	Misses    int64
}

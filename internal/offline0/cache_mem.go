package offline0

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryCacheManager keeps versions in process memory. Sizes count body bytes.
type MemoryCacheManager struct {
	maxBytes int64

	mu       sync.Mutex
	versions map[string]map[string]CacheEntry
	total    int64
}

func NewMemoryCache(maxBytes int64) *MemoryCacheManager {
	return &MemoryCacheManager{maxBytes: maxBytes, versions: map[string]map[string]CacheEntry{}}
}

func (m *MemoryCacheManager) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("empty version name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[name]; !ok {
		m.versions[name] = map[string]CacheEntry{}
	}
	return &memCache{m: m, name: name}, nil
}

func (m *MemoryCacheManager) Versions(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.versions))
	for name := range m.versions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryCacheManager) DeleteVersion(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.versions[name]
	if !ok {
		return false, nil
	}
	for _, ent := range entries {
		m.total -= int64(len(ent.Body))
	}
	delete(m.versions, name)
	return true, nil
}

func (m *MemoryCacheManager) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

type memCache struct {
	m    *MemoryCacheManager
	name string
}

func (c *memCache) Name() string { return c.name }

func (c *memCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.versions[c.name]
	if !ok {
		return fmt.Errorf("cache version %q was deleted", c.name)
	}
	size := int64(len(ent.Body))
	old := int64(len(entries[key].Body))
	if m.maxBytes > 0 && m.total-old+size > m.maxBytes {
		return ErrQuotaExceeded
	}
	entries[key] = entryFromResponse(ent.Response(), ent.StoredAt)
	m.total += size - old
	return nil
}

func (c *memCache) Match(ctx context.Context, key string) (CacheEntry, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	ent, ok := c.m.versions[c.name][key]
	if !ok {
		return CacheEntry{}, ErrCacheMiss
	}
	return entryFromResponse(ent.Response(), ent.StoredAt), nil
}

func (c *memCache) Delete(ctx context.Context, key string) (bool, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.versions[c.name][key]
	if !ok {
		return false, nil
	}
	delete(m.versions[c.name], key)
	m.total -= int64(len(ent.Body))
	return true, nil
}

func (c *memCache) Keys(ctx context.Context) ([]string, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	out := make([]string, 0, len(c.m.versions[c.name]))
	for k := range c.m.versions[c.name] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

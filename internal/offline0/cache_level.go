package offline0

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	v:<version>             versionMeta
//	e:<version>\x00<key>    CacheEntry
const (
	versionPrefix = "v:"
	entryPrefix   = "e:"
)

type versionMeta struct {
	CreatedAt int64
}

// LevelCacheManager stores every cache version in a single leveldb database.
type LevelCacheManager struct {
	maxBytes int64

	db *leveldb.DB

	mu    sync.Mutex
	index map[string]map[string]int64 // version -> key -> encoded size
	total int64
}

func OpenLevelCache(path string, maxBytes int64) (*LevelCacheManager, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	m := &LevelCacheManager{maxBytes: maxBytes, db: db, index: map[string]map[string]int64{}}
	if err := m.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *LevelCacheManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *LevelCacheManager) loadIndex() error {
	idx := map[string]map[string]int64{}

	it := m.db.NewIterator(util.BytesPrefix([]byte(versionPrefix)), nil)
	for it.Next() {
		idx[string(bytes.TrimPrefix(it.Key(), []byte(versionPrefix)))] = map[string]int64{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	var total int64
	it = m.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		rest := bytes.TrimPrefix(it.Key(), []byte(entryPrefix))
		sep := bytes.IndexByte(rest, 0)
		if sep < 0 {
			continue
		}
		version, key := string(rest[:sep]), string(rest[sep+1:])
		keys, ok := idx[version]
		if !ok {
			// entries of a version whose marker is gone; adopt them so
			// the next activation removes them
			keys = map[string]int64{}
			idx[version] = keys
		}
		size := int64(len(it.Value()))
		keys[key] = size
		total += size
	}
	if err := it.Error(); err != nil {
		return err
	}

	m.mu.Lock()
	m.index = idx
	m.total = total
	m.mu.Unlock()
	return nil
}

func (m *LevelCacheManager) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("empty version name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, ErrStorageClosed
	}
	if _, ok := m.index[name]; !ok {
		b, err := encodeGob(versionMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := m.db.Put([]byte(versionPrefix+name), b, nil); err != nil {
			return nil, err
		}
		m.index[name] = map[string]int64{}
	}
	return &levelCache{m: m, name: name}, nil
}

func (m *LevelCacheManager) Versions(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, ErrStorageClosed
	}
	out := make([]string, 0, len(m.index))
	for name := range m.index {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *LevelCacheManager) DeleteVersion(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return false, ErrStorageClosed
	}
	keys, ok := m.index[name]
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := m.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(versionPrefix + name))
	if err := m.db.Write(batch, nil); err != nil {
		return false, err
	}

	for _, size := range keys {
		m.total -= size
	}
	delete(m.index, name)
	return true, nil
}

// TotalSize is the encoded size of all entries across versions.
func (m *LevelCacheManager) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func entryKeyPrefix(version string) []byte {
	return []byte(entryPrefix + version + "\x00")
}

func entryKey(version, key string) []byte {
	return append(entryKeyPrefix(version), key...)
}

type levelCache struct {
	m    *LevelCacheManager
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	size := int64(len(b))

	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return ErrStorageClosed
	}
	keys, ok := m.index[c.name]
	if !ok {
		return fmt.Errorf("cache version %q was deleted", c.name)
	}
	old := keys[key]
	if m.maxBytes > 0 && m.total-old+size > m.maxBytes {
		return ErrQuotaExceeded
	}
	if err := m.db.Put(entryKey(c.name, key), b, nil); err != nil {
		return err
	}
	keys[key] = size
	m.total += size - old
	return nil
}

func (c *levelCache) Match(ctx context.Context, key string) (CacheEntry, error) {
	c.m.mu.Lock()
	db := c.m.db
	c.m.mu.Unlock()
	if db == nil {
		return CacheEntry{}, ErrStorageClosed
	}
	b, err := db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, ErrCacheMiss
	}
	if err != nil {
		return CacheEntry{}, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, fmt.Errorf("decode %q: %w", key, err)
	}
	return ent, nil
}

func (c *levelCache) Delete(ctx context.Context, key string) (bool, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return false, ErrStorageClosed
	}
	keys := m.index[c.name]
	size, ok := keys[key]
	if !ok {
		return false, nil
	}
	if err := m.db.Delete(entryKey(c.name, key), nil); err != nil {
		return false, err
	}
	delete(keys, key)
	m.total -= size
	return true, nil
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, ErrStorageClosed
	}
	out := make([]string, 0, len(m.index[c.name]))
	for k := range m.index[c.name] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

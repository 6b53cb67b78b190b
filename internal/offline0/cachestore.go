package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
)

// CacheManager owns the set of named cache versions.
type CacheManager interface {
	// Open creates the version if needed. It is idempotent.
	Open(ctx context.Context, name string) (Cache, error)
	Versions(ctx context.Context) ([]string, error)
	DeleteVersion(ctx context.Context, name string) (bool, error)
}

// Cache is one version's entry store. Entries are replaced wholesale.
type Cache interface {
	Name() string
	Put(ctx context.Context, key string, ent CacheEntry) error
	// Match returns ErrCacheMiss when the key is absent.
	Match(ctx context.Context, key string) (CacheEntry, error)
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// ActivateOnly makes name the single live version, deleting every other one.
func ActivateOnly(ctx context.Context, cm CacheManager, name string) error {
	if _, err := cm.Open(ctx, name); err != nil {
		return fmt.Errorf("open version %q: %w", name, err)
	}
	names, err := cm.Versions(ctx)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	for _, n := range names {
		if n == name {
			continue
		}
		if _, err := cm.DeleteVersion(ctx, n); err != nil {
			return fmt.Errorf("delete version %q: %w", n, err)
		}
	}
	return nil
}

func hasVersion(ctx context.Context, cm CacheManager, name string) (bool, error) {
	names, err := cm.Versions(ctx)
	if err != nil {
		return false, err
	}
	return containsString(names, name), nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

package offline0

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltQueue keeps each tag in two buckets: "q:<tag>" maps a big-endian
// sequence number to the item, "i:<tag>" maps the item ID to that sequence.
type BoltQueue struct {
	db *bbolt.DB
}

func OpenBoltQueue(path string) (*BoltQueue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}
	return &BoltQueue{db: db}, nil
}

func (s *BoltQueue) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func itemsBucket(tag string) []byte { return []byte("q:" + tag) }
func idsBucket(tag string) []byte   { return []byte("i:" + tag) }

func (s *BoltQueue) Enqueue(ctx context.Context, item QueueItem) error {
	if s.db == nil {
		return ErrStorageClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		items, err := tx.CreateBucketIfNotExists(itemsBucket(item.Tag))
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		ids, err := tx.CreateBucketIfNotExists(idsBucket(item.Tag))
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		seq, err := items.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := items.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(item.ID), key)
	})
}

func (s *BoltQueue) List(ctx context.Context, tag string) ([]QueueItem, error) {
	if s.db == nil {
		return nil, ErrStorageClosed
	}
	var out []QueueItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(itemsBucket(tag))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var it QueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("failed to unmarshal queue item: %w", err)
			}
			out = append(out, it)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltQueue) Ack(ctx context.Context, tag, id string) error {
	if s.db == nil {
		return ErrStorageClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		items, ids := tx.Bucket(itemsBucket(tag)), tx.Bucket(idsBucket(tag))
		if items == nil || ids == nil {
			return ErrQueueItemNotFound
		}
		key := ids.Get([]byte(id))
		if key == nil {
			return ErrQueueItemNotFound
		}
		if err := items.Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

func (s *BoltQueue) Update(ctx context.Context, item QueueItem) error {
	if s.db == nil {
		return ErrStorageClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		items, ids := tx.Bucket(itemsBucket(item.Tag)), tx.Bucket(idsBucket(item.Tag))
		if items == nil || ids == nil {
			return ErrQueueItemNotFound
		}
		key := ids.Get([]byte(item.ID))
		if key == nil {
			return ErrQueueItemNotFound
		}
		return items.Put(append([]byte(nil), key...), data)
	})
}

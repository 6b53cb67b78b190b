package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
RedisQueue layout, per tag:

	<prefix><tag>:order  ZSET  score=sequence member=item id
	<prefix><tag>:items  HASH  item id -> item JSON
	<prefix>seq          STRING sequence counter
*/
type RedisQueue struct {
	cli    *redis.Client
	prefix string
}

type RedisQueueOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

func NewRedisQueue(opts RedisQueueOptions) (*RedisQueue, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &RedisQueue{cli: cli, prefix: opts.Prefix}, nil
}

func (s *RedisQueue) Close() error { return s.cli.Close() }

func (s *RedisQueue) Ping(ctx context.Context) error { return s.cli.Ping(ctx).Err() }

func (s *RedisQueue) orderKey(tag string) string { return s.prefix + tag + ":order" }
func (s *RedisQueue) itemsKey(tag string) string { return s.prefix + tag + ":items" }
func (s *RedisQueue) seqKey() string             { return s.prefix + "seq" }

func (s *RedisQueue) Enqueue(ctx context.Context, item QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	seq, err := s.cli.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	_, err = s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.itemsKey(item.Tag), item.ID, data)
		p.ZAdd(ctx, s.orderKey(item.Tag), redis.Z{Score: float64(seq), Member: item.ID})
		return nil
	})
	return err
}

func (s *RedisQueue) List(ctx context.Context, tag string) ([]QueueItem, error) {
	ids, err := s.cli.ZRange(ctx, s.orderKey(tag), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.cli.HMGet(ctx, s.itemsKey(tag), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueueItem, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// acked between ZRANGE and HMGET
			continue
		}
		var it QueueItem
		if err := json.Unmarshal([]byte(str), &it); err != nil {
			return nil, fmt.Errorf("decode queue item: %w", err)
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *RedisQueue) Ack(ctx context.Context, tag, id string) error {
	var del *redis.IntCmd
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, s.itemsKey(tag), id)
		p.ZRem(ctx, s.orderKey(tag), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

// Update only writes when the item still exists, watching the hash so a
// concurrent Ack wins.
func (s *RedisQueue) Update(ctx context.Context, item QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := s.itemsKey(item.Tag)
	txf := func(tx *redis.Tx) error {
		ok, err := tx.HExists(ctx, key, item.ID).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrQueueItemNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, item.ID, data)
			return nil
		})
		return err
	}
	// the watch covers the whole hash, so writes to sibling items abort
	// the transaction too; retry a few times
	for i := 0; i < 5; i++ {
		err = s.cli.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

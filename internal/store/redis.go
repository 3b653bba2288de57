package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisIndexKey = "kv:index"
	redisSeqKey   = "kv:seq"
	redisScanPage = 256
)

// RedisStore keeps values as plain Redis strings with native expiry. A sorted
// set scored by a global counter records insertion order for List.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// ConnectRedis parses url, connects and verifies the connection.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	o := ApplyOptions(opts)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", key, err)
	}

	seq, err := r.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence for %s: %w", key, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, value, o.TTL)
	member := redis.Z{Score: float64(seq), Member: key}
	if exists == 0 {
		// New or expired key: move it to the end of the insertion order.
		pipe.ZAdd(ctx, redisIndexKey, member)
	} else {
		pipe.ZAddNX(ctx, redisIndexKey, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	keys := make([]string, 0)
	var start int64
	for {
		page, err := r.client.ZRange(ctx, redisIndexKey, start, start+redisScanPage-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		if len(page) == 0 {
			return keys, nil
		}
		start += int64(len(page))

		candidates := make([]string, 0, len(page))
		for _, key := range page {
			if strings.HasPrefix(key, prefix) {
				candidates = append(candidates, key)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		pipe := r.client.Pipeline()
		checks := make([]*redis.IntCmd, len(candidates))
		for i, key := range candidates {
			checks[i] = pipe.Exists(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to check keys under %s: %w", prefix, err)
		}

		stale := make([]interface{}, 0)
		for i, key := range candidates {
			if checks[i].Val() == 0 {
				stale = append(stale, key)
				continue
			}
			keys = append(keys, key)
			if limit > 0 && len(keys) == limit {
				r.prune(ctx, stale)
				return keys, nil
			}
		}
		if len(stale) > 0 {
			r.prune(ctx, stale)
			// Removing members shifts the ranks of everything after them.
			start -= int64(len(stale))
		}
	}
}

// prune drops index members whose keys have expired.
func (r *RedisStore) prune(ctx context.Context, members []interface{}) {
	if len(members) == 0 {
		return
	}
	_ = r.client.ZRem(ctx, redisIndexKey, members...).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, redisIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Client exposes the connection for the locker and pub/sub publisher.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisBackend stores each task record as a JSON value under a
// "store:tasks/<task_id>" key, selected when STORE_BACKEND=redis and
// dialed at REDIS_ADDR.
// Generalizes the teacher's Redis usage from a job queue into a durable
// KV backend behind the same Backend interface as the other stores.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend dials addr and verifies connectivity with a PING.
func NewRedisBackend(ctx context.Context, addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client, prefix: "store:"}, nil
}

func (r *RedisBackend) redisKey(key string) string { return r.prefix + key }

func (r *RedisBackend) Load(key string) (TaskRecord, bool, error) {
	ctx := context.Background()
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err == redis.Nil {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var rec TaskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TaskRecord{}, false, fmt.Errorf("decode redis record %s: %w", key, err)
	}
	return rec, true, nil
}

func (r *RedisBackend) Save(key string, value TaskRecord) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	ctx := context.Background()
	if err := r.client.Set(ctx, r.redisKey(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Range(prefix string) ([]TaskRecord, error) {
	ctx := context.Background()
	pattern := r.redisKey(prefix) + "*"

	var out []TaskRecord
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if !strings.HasPrefix(k, r.prefix) {
			continue
		}
		raw, err := r.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var rec TaskRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return out, nil
}

func (r *RedisBackend) Close() error { return r.client.Close() }

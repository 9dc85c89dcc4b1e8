package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedis parses a redis:// URL and verifies connectivity.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisKey(sid, key string) string {
	return "session:" + sid + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, sid, key string, dst any) (bool, error) {
	data, err := s.client.Get(ctx, redisKey(sid, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session value %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode session value %q: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Put(ctx context.Context, sid, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session value %q: %w", key, err)
	}
	if err := s.client.Set(ctx, redisKey(sid, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set session value %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent maps to SET NX, so the claim is atomic across instances.
func (s *RedisStore) PutIfAbsent(ctx context.Context, sid, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode session value %q: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, redisKey(sid, key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx session value %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, sid, key string) error {
	if err := s.client.Del(ctx, redisKey(sid, key)).Err(); err != nil {
		return fmt.Errorf("delete session value %q: %w", key, err)
	}
	return nil
}

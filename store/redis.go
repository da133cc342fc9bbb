package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "crmkit:token"

type redisStore struct {
	client *redis.Client
	key    string
	cfg    Config
}

// NewRedis constructs a redis-backed token store. The record is stored as a
// JSON value with a TTL so a dead process never leaves stale tokens behind.
func NewRedis(cfg Config) (Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	key := cfg.Redis.Key
	if key == "" {
		key = defaultRedisKey
	}
	return &redisStore{client: client, key: key, cfg: cfg}, nil
}

func (s *redisStore) Get(ctx context.Context) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}
	return &rec, nil
}

func (s *redisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	return s.client.Set(ctx, s.key, data, s.cfg.ttl()).Err()
}

func (s *redisStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *redisStore) Close(ctx context.Context) error {
	return s.client.Close()
}

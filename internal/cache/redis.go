package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis: the entry JSON lives under
// <prefix>:entry:<hash> and points to a payload blob under
// <prefix>:payload:<hash>:<checksum>. Setting the entry is the atomic swap.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   options
}

type RedisConfig struct {
	Prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		opts:   buildOptions(opts),
	}
}

// key builds the final Redis key with prefix.
func (c *RedisStore) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisStore) entryKey(key Key) string {
	return c.key("entry:" + key.Hash)
}

func (c *RedisStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	e, _, ok, err := c.Load(ctx, key)
	return e, ok, err
}

// Exists checks the entry and its payload without returning them.
func (c *RedisStore) Exists(ctx context.Context, key Key) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

// Load retrieves the entry and payload.
// On Redis error it returns (nil, nil, false, err); a missing or mismatched
// payload is a clean miss.
func (c *RedisStore) Load(ctx context.Context, key Key) (*Entry, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("context error: %w", err)
	}

	raw, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.opts.corrupt(key, "decode index", err)
		return nil, nil, false, nil
	}

	payload, err := c.client.Get(ctx, e.PayloadRef).Bytes()
	if errors.Is(err, redis.Nil) {
		c.opts.corrupt(key, "read payload", err)
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("redis get payload failed: %w", err)
	}
	if err := verify(&e, key, payload); err != nil {
		c.opts.corrupt(key, "verify payload", err)
		return nil, nil, false, nil
	}

	return &e, payload, true, nil
}

// Put stores the payload under a new key, then swaps the entry to point at it.
func (c *RedisStore) Put(ctx context.Context, key Key, payload []byte, cov Coverage) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	e := newEntry(key, payload, cov, c.opts.now())
	e.PayloadRef = c.key("payload:" + key.Hash + ":" + e.Checksum[:12])

	if err := c.client.Set(ctx, e.PayloadRef, payload, 0).Err(); err != nil {
		return nil, fmt.Errorf("redis set payload failed: %w", err)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}

	prevRaw, err := c.client.Get(ctx, c.entryKey(key)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if err := c.client.Set(ctx, c.entryKey(key), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("redis set entry failed: %w", err)
	}

	if prevRaw != "" {
		var prev Entry
		if json.Unmarshal([]byte(prevRaw), &prev) == nil && prev.PayloadRef != "" && prev.PayloadRef != e.PayloadRef {
			if err := c.client.Del(ctx, prev.PayloadRef).Err(); err != nil {
				c.opts.logger.Warn("cache: delete superseded payload", zap.String("key", prev.PayloadRef), zap.Error(err))
			}
		}
	}

	return e, nil
}

// Ping checks if Redis connection is healthy.
func (c *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return c.client.Ping(ctx).Err()
}



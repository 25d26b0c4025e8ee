// Package redis implements storage.Storage on Redis string keys with native
// expiry, so journal entries are shared across gateway replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every key. Defaults to "mcp:gateway:".
	KeyPrefix string
}

// Storage is a Redis-backed storage.Storage.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

type record struct {
	Key       string     `json:"key"`
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (r *record) item() *storage.Item {
	return &storage.Item{Key: r.Key, Data: r.Data, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt}
}

// New creates a Redis-backed store.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis storage: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcp:gateway:"
	}
	return &Storage{client: cfg.Client, keyPrefix: cfg.KeyPrefix + "kv:"}, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	full := s.keyPrefix + storage.Apply(opts...).Scope() + key
	raw, err := s.client.Get(ctx, full).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", full, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", full, err)
	}
	item := rec.item()
	if item.IsExpired() {
		return nil, nil
	}
	return item, nil
}

// Set implements storage.Storage.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	full := s.keyPrefix + o.Scope() + key

	rec := record{Key: key, Data: data, CreatedAt: time.Now()}
	var ttl time.Duration
	if o.TTL != nil {
		ttl = *o.TTL
		exp := rec.CreatedAt.Add(ttl)
		rec.ExpiresAt = &exp
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", full, err)
	}
	if err := s.client.Set(ctx, full, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", full, err)
	}
	return nil
}

// List implements storage.Storage.
func (s *Storage) List(ctx context.Context, opts ...storage.Option) ([]*storage.Item, error) {
	o := storage.Apply(opts...)
	keys, err := s.scan(ctx, s.keyPrefix+o.Scope()+"*")
	if err != nil || len(keys) == 0 {
		return nil, err
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	items := make([]*storage.Item, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var rec record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		if item := rec.item(); !item.IsExpired() {
			items = append(items, item)
		}
	}
	return storage.SortNewestFirst(items, o.Limit), nil
}

// Delete implements storage.Storage.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		full := s.keyPrefix + o.Scope() + *o.Key
		if err := s.client.Del(ctx, full).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", full, err)
		}
		return nil
	}
	if o.User == "" {
		return storage.ErrInvalidOptions
	}

	keys, err := s.scan(ctx, s.keyPrefix+o.Scope()+"*")
	if err != nil || len(keys) == 0 {
		return err
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete scope %s: %w", strings.TrimSuffix(o.Scope(), ":"), err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Storage = (*Storage)(nil)

// Package redis implements broker.Broker on Redis Streams so that several
// gateway replicas can share one notification feed.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/broker"
	"github.com/redis/go-redis/v9"
)

// Broker stores each namespace as one Redis stream.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all stream keys. Defaults to "mcp:gateway:".
	KeyPrefix string
	// MaxLen approximately caps each stream. Defaults to 1024; negative
	// disables trimming.
	MaxLen int64
	// Block is how long a single XREAD waits before ctx is rechecked.
	// Defaults to one second.
	Block time.Duration
}

// New creates a Redis-backed broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis broker: client is required")
	}
	b := &Broker{client: cfg.Client, keyPrefix: cfg.KeyPrefix, maxLen: cfg.MaxLen, block: cfg.Block}
	if b.keyPrefix == "" {
		b.keyPrefix = "mcp:gateway:"
	}
	if b.maxLen == 0 {
		b.maxLen = 1024
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	return b, nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: b.streamKey(namespace),
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", args.Stream, err)
	}
	return id, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	key := b.streamKey(namespace)

	// "$" only means "newer than now" on the first XREAD, so pin it to a
	// concrete id up front.
	startID := "0-0"
	if lastEventID != "" {
		if err := b.checkEventID(ctx, key, lastEventID); err != nil {
			return err
		}
		startID = lastEventID
	} else {
		msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read tail of %s: %w", key, err)
		}
		if len(msgs) > 0 {
			startID = msgs[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   64,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read from %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// checkEventID verifies that id is still retained in the stream.
func (b *Broker) checkEventID(ctx context.Context, key, id string) error {
	msgs, err := b.client.XRangeN(ctx, key, id, id, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %q", broker.ErrUnknownEventID, id)
		}
		// Redis rejects malformed stream ids outright.
		return fmt.Errorf("%w: %q: %v", broker.ErrUnknownEventID, id, err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%w: %q", broker.ErrUnknownEventID, id)
	}
	return nil
}

// Cleanup implements broker.Broker. Subscribers blocked in XREAD see no more
// events; they end when their context does.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	if err := b.client.Del(ctx, b.streamKey(namespace)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)

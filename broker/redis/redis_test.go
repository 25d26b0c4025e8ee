package redis

import (
	"context"
	"os"
	"testing"

	"github.com/ggoodman/mcp-stdio-gateway/broker"
	"github.com/ggoodman/mcp-stdio-gateway/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisBroker(t *testing.T) {
	probe := redis.NewClient(&redis.Options{Addr: redisAddr()})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		_ = probe.Close()
		t.Skipf("Redis not available: %v", err)
	}
	_ = probe.Close()

	brokertest.Run(t, func(t *testing.T) broker.Broker {
		b, err := New(Config{
			Client:    redis.NewClient(&redis.Options{Addr: redisAddr()}),
			KeyPrefix: "test:gateway:broker:",
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected an error without a client")
	}
}

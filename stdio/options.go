package stdio

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

const (
	defaultCallTimeout  = 60 * time.Second
	defaultInitTimeout  = 30 * time.Second
	defaultGraceTimeout = 2 * time.Second
)

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithCallTimeout sets the default deadline for tools/list and tools/call.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout.Store(int64(d))
		}
	}
}

// WithInitTimeout bounds the wait for the initialize response.
func WithInitTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.initTimeout = d
		}
	}
}

// WithGraceTimeout sets how long Stop waits after SIGTERM before killing the
// child.
func WithGraceTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.graceTimeout = d
		}
	}
}

// WithClientInfo overrides the clientInfo sent during initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(g *Gateway) {
		if info.Name != "" {
			g.clientInfo = info
		}
	}
}

// WithProtocolVersion overrides the protocol version offered during initialize.
func WithProtocolVersion(v string) Option {
	return func(g *Gateway) {
		if v != "" {
			g.protocolVersion = v
		}
	}
}

// WithCapabilities overrides the client capabilities sent during initialize.
func WithCapabilities(c mcp.ClientCapabilities) Option {
	return func(g *Gateway) { g.capabilities = c }
}

// WithEnv appends KEY=VALUE entries to the child's inherited environment.
func WithEnv(env ...string) Option {
	return func(g *Gateway) { g.env = append(g.env, env...) }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(g *Gateway) { g.dir = dir }
}

// NotificationHandler observes notifications emitted by the child. Handlers
// run on a dedicated goroutine, in arrival order, and never affect pending
// calls.
type NotificationHandler func(ctx context.Context, n Notification)

// WithNotificationHandler registers h to receive child notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(g *Gateway) { g.onNotification = h }
}

// WithIDGenerator overrides the request id source (random UUIDs by default).
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) { g.newID = fn }
}

// CallOption customizes a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the gateway's default call timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Command mcp-gateway runs a stdio MCP server as a child process and exposes
// its tools over HTTP.
//
// Configuration is read from the environment; see internal/config for the
// full list. GATEWAY_COMMAND is the only required variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/auth"
	"github.com/ggoodman/mcp-stdio-gateway/broker"
	memorybroker "github.com/ggoodman/mcp-stdio-gateway/broker/memory"
	redisbroker "github.com/ggoodman/mcp-stdio-gateway/broker/redis"
	"github.com/ggoodman/mcp-stdio-gateway/httpapi"
	"github.com/ggoodman/mcp-stdio-gateway/internal/config"
	"github.com/ggoodman/mcp-stdio-gateway/internal/logctx"
	"github.com/ggoodman/mcp-stdio-gateway/internal/ollama"
	"github.com/ggoodman/mcp-stdio-gateway/internal/receipt"
	"github.com/ggoodman/mcp-stdio-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
	"github.com/ggoodman/mcp-stdio-gateway/stdio"
	"github.com/ggoodman/mcp-stdio-gateway/storage"
	memorystorage "github.com/ggoodman/mcp-stdio-gateway/storage/memory"
	redisstorage "github.com/ggoodman/mcp-stdio-gateway/storage/redis"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const (
	shutdownTimeout   = 10 * time.Second
	journalMaxItems   = 10_000
	ollamaPingTimeout = 5 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	level := new(slog.LevelVar)
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("gateway.config.fail", slog.String("err", err.Error()))
		os.Exit(2)
	}
	lvl, _ := config.ParseLevel(cfg.LogLevel)
	level.Set(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, level); err != nil {
		log.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, level *slog.LevelVar) error {
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			_ = rdb.Close()
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	b, err := newBroker(rdb, cfg)
	if err != nil {
		return err
	}
	journal, err := newJournal(rdb, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = journal.Close()
	}()

	signer, err := receipt.NewFromSeed(cfg.ReceiptKey)
	if err != nil {
		return fmt.Errorf("RECEIPT_KEY: %w", err)
	}
	if cfg.ReceiptKey == "" {
		log.Warn("gateway.receipt.ephemeral_key", slog.String("kid", signer.ActiveKID()))
	}

	authn := auth.Anonymous("")
	if cfg.AuthEnabled() {
		opts := []auth.AccessTokenAuthOption{auth.WithRequiredScopes(cfg.RequiredScopes()...)}
		if cfg.AuthJWKSURL != "" {
			opts = append(opts, auth.WithJWKSURL(cfg.AuthJWKSURL))
		}
		if authn, err = auth.NewFromDiscovery(ctx, cfg.AuthIssuer, cfg.AuthAudience, opts...); err != nil {
			return fmt.Errorf("auth setup: %w", err)
		}
		log.Info("gateway.auth.enabled", slog.String("issuer", cfg.AuthIssuer), slog.String("audience", cfg.AuthAudience))
	}

	gw := stdio.New(cfg.Command, cfg.Args(),
		stdio.WithLogger(log),
		stdio.WithDir(cfg.Dir),
		stdio.WithCallTimeout(cfg.CallTimeout),
		stdio.WithInitTimeout(cfg.InitTimeout),
		stdio.WithGraceTimeout(cfg.GraceTimeout),
		stdio.WithProtocolVersion(cfg.ProtocolVersion),
		stdio.WithClientInfo(mcp.ImplementationInfo{Name: "mcp-gateway", Version: version}),
		stdio.WithNotificationHandler(httpapi.PublishNotifications(b, log)),
	)
	if err := gw.Initialize(ctx); err != nil {
		return fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	defer func() {
		if err := gw.Stop(); err != nil {
			log.Warn("gateway.stop.fail", slog.String("err", err.Error()))
		}
	}()
	if cfg.ConfigFile != "" {
		if ov, err := config.LoadOverlay(cfg.ConfigFile); err != nil {
			log.Warn("gateway.overlay.fail", slog.String("path", cfg.ConfigFile), slog.String("err", err.Error()))
		} else {
			ov.Apply(level, gw.SetCallTimeout)
		}
	}
	if info := gw.ServerInfo(); info != nil {
		log.Info("gateway.ready",
			slog.String("server", info.ServerInfo.Name),
			slog.String("server_version", info.ServerInfo.Version),
			slog.String("protocol", info.ProtocolVersion))
	}

	llm := ollama.New(cfg.OllamaURL, cfg.OllamaModel, ollama.WithTimeout(cfg.OllamaTimeout), ollama.WithLogger(log))
	pingCtx, cancel := context.WithTimeout(ctx, ollamaPingTimeout)
	if err := llm.Ping(pingCtx); err != nil {
		log.Warn("gateway.ollama.unreachable", slog.String("url", cfg.OllamaURL), slog.String("err", err.Error()))
	} else {
		log.Info("gateway.ollama.ok", slog.String("url", cfg.OllamaURL), slog.String("model", llm.Model()))
	}
	cancel()

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithAuthenticator(authn),
		httpapi.WithRequiredScopes(cfg.RequiredScopes()...),
		httpapi.WithBroker(b),
		httpapi.WithJournal(journal, cfg.JournalTTL),
		httpapi.WithReceipts(signer),
		httpapi.WithGenerator(llm),
		httpapi.WithChatTimeout(cfg.OllamaTimeout),
	}
	if cfg.AuthEnabled() && cfg.PublicURL != "" {
		apiOpts = append(apiOpts, httpapi.WithResourceMetadata(
			wellknown.NewProtectedResource(cfg.PublicURL, cfg.AuthIssuer, cfg.AuthJWKSURL, cfg.RequiredScopes())))
	}
	h, err := httpapi.New(gw, apiOpts...)
	if err != nil {
		return err
	}
	// Event streams never end on their own, so shutdown cancels the base
	// context every request derives from.
	baseCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway.http.listen", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		log.Info("gateway.http.shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-gw.Done():
			// The HTTP surface keeps reporting 503 until an operator restarts us.
			log.Error("gateway.child.exited", slog.Any("err", gw.Err()))
		}
		return nil
	})
	if cfg.ConfigFile != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfg.ConfigFile, log, func(ov *config.Overlay) {
				ov.Apply(level, gw.SetCallTimeout)
				log.Info("gateway.overlay.applied", slog.String("level", level.Level().String()), slog.Duration("call_timeout", gw.CallTimeout()))
			})
		})
	}

	return g.Wait()
}

func newBroker(rdb redis.UniversalClient, cfg *config.Config) (broker.Broker, error) {
	if rdb == nil {
		return memorybroker.New(), nil
	}
	return redisbroker.New(redisbroker.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix})
}

func newJournal(rdb redis.UniversalClient, cfg *config.Config) (storage.Storage, error) {
	if rdb == nil {
		return memorystorage.New(journalMaxItems)
	}
	return redisstorage.New(redisstorage.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix})
}

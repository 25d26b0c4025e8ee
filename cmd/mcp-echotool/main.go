// Command mcp-echotool is a stdio MCP server with echo and add tools. It is
// the default child of mcp-gateway in development.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-stdio-gateway/internal/toolserver"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

var version = "dev"

func main() {
	pageSize := flag.Int("page-size", 0, "tools per tools/list page (0 = all)")
	notify := flag.Bool("notify", false, "emit notifications/message for each tool call")
	flag.Parse()

	// stdout carries protocol frames; logs go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts := []toolserver.Option{toolserver.WithLogger(log), toolserver.WithPageSize(*pageSize)}
	if *notify {
		opts = append(opts, toolserver.WithCallNotifications())
	}
	srv, err := toolserver.New(mcp.ImplementationInfo{Name: "mcp-echotool", Version: version}, toolserver.Builtin(), opts...)
	if err != nil {
		log.Error("echotool.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("echotool.start", slog.Int("pid", os.Getpid()))
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error("echotool.serve.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("echotool.stop")
}

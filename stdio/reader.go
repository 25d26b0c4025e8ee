package stdio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
)

const previewLen = 200

// readLoop decodes the child's stdout one line at a time into the inbox. It
// closes the inbox on exit, which lets the router drain and stop.
func (g *Gateway) readLoop(ctx context.Context, r io.Reader) {
	defer g.loops.Done()
	defer g.inbox.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			g.decodeLine(ctx, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				g.log.DebugContext(ctx, "child.stdout.eof")
			} else {
				g.log.WarnContext(ctx, "child.stdout.read.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (g *Gateway) decodeLine(ctx context.Context, line []byte) {
	msg, err := jsonrpc.DecodeFrame(line)
	if errors.Is(err, jsonrpc.ErrBlankFrame) {
		return
	}
	if err != nil {
		g.log.WarnContext(ctx, "frame.malformed",
			slog.String("err", err.Error()),
			slog.String("line", jsonrpc.Preview(line, previewLen)),
		)
		return
	}
	_ = g.inbox.Push(msg)
}

// drainStderr forwards the child's stderr to the logger so a chatty child
// never blocks on a full pipe.
func (g *Gateway) drainStderr(ctx context.Context, r io.Reader) {
	defer g.loops.Done()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if s := strings.TrimRight(line, "\r\n"); s != "" {
			if len(s) > 4*previewLen {
				s = jsonrpc.Preview([]byte(s), 4*previewLen)
			}
			g.log.InfoContext(ctx, "child.stderr", slog.String("line", s))
		}
		if err != nil {
			return
		}
	}
}

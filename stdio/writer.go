package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
)

// enqueue frames v and appends it to the outbox. It never blocks on I/O.
func (g *Gateway) enqueue(v any) error {
	frame, err := jsonrpc.EncodeFrame(v)
	if err != nil {
		return err
	}
	if err := g.outbox.Push(frame); err != nil {
		return g.terminatedErr()
	}
	return nil
}

// writeLoop is the only writer of the child's stdin. Each frame is flushed
// on its own so a response never waits on an unrelated request.
func (g *Gateway) writeLoop(ctx context.Context, w io.Writer) {
	defer g.loops.Done()

	bw := bufio.NewWriter(w)
	for {
		frame, err := g.outbox.Pop(ctx)
		if err != nil {
			return
		}

		if _, err = bw.Write(frame); err == nil {
			err = bw.Flush()
		}
		if err != nil {
			g.log.WarnContext(ctx, "child.stdin.write.fail", slog.String("err", err.Error()))
			// terminate joins this loop, so it must run elsewhere.
			go g.terminate(fmt.Errorf("%w: write to child stdin: %v", ErrProcessTerminated, err))
			return
		}
	}
}

package stdio

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-gateway/internal/logctx"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

// Notification is a message the child sent without an id.
type Notification struct {
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// routeLoop drains the inbox until the reader closes it. It never blocks on
// caller code: responses go to buffered single-use slots and notifications to
// their own queue.
func (g *Gateway) routeLoop(ctx context.Context) {
	defer g.loops.Done()
	defer close(g.routerDone)
	defer g.notices.Close()

	for {
		// Pop ignores ctx so that responses already read are still routed
		// after a shutdown begins; the reader closing the inbox ends the loop.
		msg, err := g.inbox.Pop(context.Background())
		if err != nil {
			return
		}
		g.route(ctx, msg)
	}
}

func (g *Gateway) route(ctx context.Context, msg *jsonrpc.AnyMessage) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if !g.calls.OnResponse(msg.AsResponse()) {
			g.log.DebugContext(ctx, "response.unmatched")
		}
	case jsonrpc.KindNotification:
		g.logNotification(ctx, msg)
		if g.onNotification != nil {
			_ = g.notices.Push(Notification{Method: msg.Method, Params: msg.Params, ReceivedAt: time.Now()})
		}
	case jsonrpc.KindRequest:
		g.answerRequest(ctx, msg)
	}
}

// answerRequest replies to requests initiated by the child. Only ping is
// supported; the gateway advertises no client features.
func (g *Gateway) answerRequest(ctx context.Context, msg *jsonrpc.AnyMessage) {
	var resp *jsonrpc.Response
	if msg.Method == string(mcp.PingMethod) {
		resp, _ = jsonrpc.NewResultResponse(msg.ID, mcp.EmptyResult{})
	} else {
		g.log.InfoContext(ctx, "request.unsupported")
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method, nil)
	}
	if err := g.enqueue(resp); err != nil {
		g.log.DebugContext(ctx, "request.reply.fail", slog.String("err", err.Error()))
	}
}

func (g *Gateway) logNotification(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.LoggingMessageNotificationMethod) {
		g.log.DebugContext(ctx, "notification.recv")
		return
	}

	var lm mcp.LoggingMessageNotification
	if err := json.Unmarshal(msg.Params, &lm); err != nil {
		g.log.DebugContext(ctx, "notification.recv", slog.String("err", err.Error()))
		return
	}
	if !mcp.IsValidLoggingLevel(lm.Level) {
		g.log.DebugContext(ctx, "notification.level.unknown", slog.String("level", string(lm.Level)))
		return
	}
	g.log.Log(ctx, slogLevel(lm.Level), "child.log",
		slog.String("logger", lm.Logger),
		slog.Any("data", lm.Data),
	)
}

func slogLevel(l mcp.LoggingLevel) slog.Level {
	switch l {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// notifyLoop delivers notifications to the registered handler in order.
func (g *Gateway) notifyLoop(ctx context.Context) {
	defer g.loops.Done()

	for {
		n, err := g.notices.Pop(context.Background())
		if err != nil {
			return
		}
		if g.onNotification != nil {
			g.onNotification(ctx, n)
		}
	}
}

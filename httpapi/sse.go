package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-stdio-gateway/broker"
	"github.com/ggoodman/mcp-stdio-gateway/stdio"
)

// notificationEvent is the broker payload for one child notification.
type notificationEvent struct {
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// PublishNotifications returns a stdio.NotificationHandler that publishes
// each notification to b under NotificationsNamespace.
func PublishNotifications(b broker.Broker, log *slog.Logger) stdio.NotificationHandler {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, n stdio.Notification) {
		data, err := json.Marshal(notificationEvent{Method: n.Method, Params: n.Params, ReceivedAt: n.ReceivedAt})
		if err != nil {
			log.WarnContext(ctx, "notification.encode.fail", slog.String("err", err.Error()))
			return
		}
		if _, err := b.Publish(ctx, NotificationsNamespace, data); err != nil {
			log.WarnContext(ctx, "notification.publish.fail", slog.String("method", n.Method), slog.String("err", err.Error()))
		}
	}
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// keepAliveInterval spaces SSE comment lines that keep idle proxies from
// closing the stream.
var keepAliveInterval = 25 * time.Second

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	if h.broker == nil {
		writeError(w, http.StatusNotFound, &apiError{Kind: kindNotFound, Message: "notifications are not configured"})
		return
	}
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			writeError(w, http.StatusNotAcceptable, &apiError{Kind: kindBadRequest, Message: "this endpoint only serves text/event-stream"})
			return
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	// Subscribe synchronously until the first handler call or failure so an
	// unknown Last-Event-ID can still be answered with a status code.
	lastEventID := r.Header.Get(lastEventIDHeader)
	var (
		headerOnce sync.Once
		started    bool
	)
	writeHeader := func() {
		headerOnce.Do(func() {
			started = true
			w.Header().Set("Content-Type", eventStreamMediaType.String())
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			wf.Flush()
			h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))
		})
	}

	errc := make(chan error, 1)
	go func() {
		errc <- h.broker.Subscribe(ctx, NotificationsNamespace, lastEventID, func(cbCtx context.Context, env broker.MessageEnvelope) error {
			writeHeader()
			if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
				h.log.DebugContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
				return err
			}
			return nil
		})
	}()

	// Give an invalid Last-Event-ID a moment to surface before committing
	// to a 200.
	select {
	case err := <-errc:
		if errors.Is(err, broker.ErrUnknownEventID) && !started {
			h.log.InfoContext(ctx, "sse.resume.unknown", slog.String("last_event_id", lastEventID))
			writeError(w, http.StatusBadRequest, &apiError{Kind: kindBadRequest, Message: err.Error()})
			return
		}
		h.endStream(ctx, err, writeHeader, start)
		return
	case <-time.After(50 * time.Millisecond):
		writeHeader()
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errc:
			h.endStream(ctx, err, writeHeader, start)
			return
		case <-ticker.C:
			if _, err := io.WriteString(wf, ": keep-alive\n\n"); err != nil {
				h.log.DebugContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				// The subscriber may be mid-write; it must be gone before the
				// ResponseWriter is released.
				cancel()
				<-errc
				return
			}
			wf.Flush()
		}
	}
}

func (h *Handler) endStream(ctx context.Context, err error, writeHeader func(), start time.Time) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		writeHeader()
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// writeSSEEvent writes one event with an id line and a single data line, then
// flushes. payload must not contain raw newlines; JSON from encoding/json never
// does.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(wf, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write SSE data: %w", err)
	}
	wf.Flush()
	return nil
}

package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
)

// recordingTransport captures sent requests and exposes them on a channel.
type recordingTransport struct {
	sent chan *jsonrpc.Request
	err  error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(chan *jsonrpc.Request, 16)}
}

func (t *recordingTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	if t.err != nil {
		return t.err
	}
	t.sent <- req
	return nil
}

func (t *recordingTransport) next(tb testing.TB) *jsonrpc.Request {
	tb.Helper()
	select {
	case req := <-t.sent:
		return req
	case <-time.After(time.Second):
		tb.Fatal("no request sent within 1s")
		return nil
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

func goCall(d *Dispatcher, ctx context.Context, method string, params any, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := d.Call(ctx, method, params, timeout)
		ch <- callResult{res, err}
	}()
	return ch
}

func await(tb testing.TB, ch <-chan callResult) callResult {
	tb.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		tb.Fatal("call did not return within 2s")
		return callResult{}
	}
}

func TestDispatcher_RequestResponse_OutOfOrder(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)
	ctx := context.Background()

	res1 := goCall(d, ctx, "test/m1", map[string]any{"a": 1}, 0)
	req1 := tr.next(t)
	res2 := goCall(d, ctx, "test/m2", map[string]any{"b": 2}, 0)
	req2 := tr.next(t)

	if req1.ID.String() == req2.ID.String() {
		t.Fatalf("ids collide: %s", req1.ID.String())
	}

	// Reply out of order: respond to req2 first.
	resp2, _ := jsonrpc.NewResultResponse(req2.ID, map[string]any{"ok": 2})
	if !d.OnResponse(resp2) {
		t.Fatal("response 2 did not match")
	}
	resp1, _ := jsonrpc.NewResultResponse(req1.ID, map[string]any{"ok": 1})
	if !d.OnResponse(resp1) {
		t.Fatal("response 1 did not match")
	}

	got1 := await(t, res1)
	got2 := await(t, res2)
	if got1.err != nil || string(got1.result) != `{"ok":1}` {
		t.Fatalf("call1 = %s, %v", got1.result, got1.err)
	}
	if got2.err != nil || string(got2.result) != `{"ok":2}` {
		t.Fatalf("call2 = %s, %v", got2.result, got2.err)
	}
	if n := d.Pending(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestDispatcher_RemoteError(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	res := goCall(d, context.Background(), "tools/call", nil, 0)
	req := tr.next(t)
	d.OnResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "bad args", map[string]any{"field": "x"}))

	got := await(t, res)
	var rerr *RemoteError
	if !errors.As(got.err, &rerr) {
		t.Fatalf("want *RemoteError, got %v", got.err)
	}
	if rerr.Code != jsonrpc.ErrorCodeInvalidParams || rerr.Message != "bad args" {
		t.Fatalf("unexpected remote error: %+v", rerr)
	}
}

func TestDispatcher_UnknownIDIgnored(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	res := goCall(d, context.Background(), "test/m", nil, 0)
	req := tr.next(t)

	stray, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("not-a-real-id"), "x")
	if d.OnResponse(stray) {
		t.Fatal("stray response matched a pending call")
	}
	if d.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", d.Pending())
	}

	ok, _ := jsonrpc.NewResultResponse(req.ID, "done")
	d.OnResponse(ok)
	if got := await(t, res); got.err != nil || string(got.result) != `"done"` {
		t.Fatalf("call = %s, %v", got.result, got.err)
	}
}

func TestDispatcher_TimeoutThenLateResponseDiscarded(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	start := time.Now()
	res := goCall(d, context.Background(), "tools/call", nil, 30*time.Millisecond)
	req := tr.next(t)

	got := await(t, res)
	if !errors.Is(got.err, ErrRequestTimeout) {
		t.Fatalf("want ErrRequestTimeout, got %v", got.err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("timed out after %s, before the 30ms deadline", elapsed)
	}

	late, _ := jsonrpc.NewResultResponse(req.ID, "late")
	if d.OnResponse(late) {
		t.Fatal("late response matched an expired call")
	}
}

func TestDispatcher_ContextCancelReleasesOnlyThatCaller(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := goCall(d, ctx, "test/slow", nil, 0)
	tr.next(t)
	survivor := goCall(d, context.Background(), "test/other", nil, 0)
	req2 := tr.next(t)

	cancel()
	if got := await(t, cancelled); !errors.Is(got.err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", got.err)
	}

	resp, _ := jsonrpc.NewResultResponse(req2.ID, 1)
	d.OnResponse(resp)
	if got := await(t, survivor); got.err != nil {
		t.Fatalf("survivor failed: %v", got.err)
	}
}

func TestDispatcher_CloseFailsPendingAndFutureCalls(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)
	boom := errors.New("child exited")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Call(context.Background(), "test/m", nil, 0)
			errs <- err
		}()
	}
	for range 3 {
		tr.next(t)
	}

	d.Close(boom)
	d.Close(errors.New("second close ignored"))
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("want %v, got %v", boom, err)
		}
	}

	if _, err := d.Call(context.Background(), "test/m", nil, 0); !errors.Is(err, boom) {
		t.Fatalf("call after close: want %v, got %v", boom, err)
	}
}

func TestDispatcher_SendFailureRemovesPending(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	tr.err = errors.New("queue closed")
	d := New(tr)

	if _, err := d.Call(context.Background(), "test/m", nil, 0); !errors.Is(err, tr.err) {
		t.Fatalf("want transport error, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", d.Pending())
	}
}

func TestDispatcher_CustomIDGenerator(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr, WithIDGenerator(func() string { return "fixed" }))

	res := goCall(d, context.Background(), "test/m", nil, 0)
	req := tr.next(t)
	if req.ID.String() != "fixed" {
		t.Fatalf("id = %q, want fixed", req.ID.String())
	}
	resp, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("fixed"), true)
	d.OnResponse(resp)
	await(t, res)
}

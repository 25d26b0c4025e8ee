package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
	"github.com/google/uuid"
)

// Transport abstracts how a framed request reaches the peer. SendRequest must
// not block on peer I/O; stdio transports enqueue and return.
type Transport interface {
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRequestTimeout indicates no matching response arrived before the call's deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// RemoteError carries a JSON-RPC error object returned by the peer, verbatim.
type RemoteError struct {
	Code    jsonrpc.ErrorCode
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is the single-assignment slot for one in-flight request. Only
// the goroutine that removes it from the table may send on ch.
type pendingCall struct {
	method    string
	submitted time.Time
	deadline  time.Time
	ch        chan outcome
}

// Dispatcher correlates outbound JSON-RPC requests with their responses. It is
// transport-agnostic: the owner feeds inbound responses through OnResponse.
type Dispatcher struct {
	t     Transport
	newID func() string

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	closed   atomic.Bool
	closeErr error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIDGenerator overrides the request id source. The default is a random
// UUIDv4 string.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{t: t, newID: uuid.NewString, pending: make(map[string]*pendingCall)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call sends a JSON-RPC request and blocks until the matching response, the
// timeout, ctx cancellation, or Close. A timeout <= 0 means no deadline beyond
// ctx. The returned result is the raw "result" member of the response; a
// response carrying "error" yields a *RemoteError.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := d.closedErr(); err != nil {
		return nil, err
	}

	key := d.newID()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(key), method, params)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pc := &pendingCall{method: method, submitted: now, ch: make(chan outcome, 1)}
	if timeout > 0 {
		pc.deadline = now.Add(timeout)
	}

	d.mu.Lock()
	if d.closed.Load() {
		err := d.closeErr
		d.mu.Unlock()
		if err == nil {
			err = ErrDispatcherClosed
		}
		return nil, err
	}
	if _, dup := d.pending[key]; dup {
		d.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %q", key)
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, req); err != nil {
		d.remove(key)
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-expired:
		if d.remove(key) {
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
		}
		// Resolved concurrently; the outcome is already buffered.
		out := <-pc.ch
		return out.result, out.err
	case <-ctx.Done():
		if d.remove(key) {
			return nil, ctx.Err()
		}
		out := <-pc.ch
		return out.result, out.err
	}
}

// OnResponse delivers an incoming response to a waiting call. It reports
// whether a pending call matched; unmatched responses are ignored.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Error != nil {
		pc.ch <- outcome{err: &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}}
	} else {
		pc.ch <- outcome{result: resp.Result}
	}
	return true
}

// Pending reports the number of in-flight calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and prevents new calls. Subsequent
// calls to Close are no-ops.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	if !d.closed.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return
	}
	d.closeErr = err
	calls := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range calls {
		pc.ch <- outcome{err: err}
	}
}

func (d *Dispatcher) remove(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; !ok {
		return false
	}
	delete(d.pending, key)
	return true
}

func (d *Dispatcher) closedErr() error {
	if !d.closed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

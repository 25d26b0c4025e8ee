package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-gateway/internal/logctx"
	"github.com/ggoodman/mcp-stdio-gateway/internal/outbound"
	"github.com/ggoodman/mcp-stdio-gateway/internal/queue"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

// drainTimeout bounds how long buffered stdout is still routed after the
// child has been reaped.
const drainTimeout = 500 * time.Millisecond

var errStopped = fmt.Errorf("%w: gateway stopped", ErrProcessTerminated)

// Gateway drives one MCP tool server running as a child process. All methods
// are safe for concurrent use.
type Gateway struct {
	command string
	args    []string
	env     []string
	dir     string
	log     *slog.Logger

	callTimeout     atomic.Int64
	initTimeout     time.Duration
	graceTimeout    time.Duration
	clientInfo      mcp.ImplementationInfo
	protocolVersion string
	capabilities    mcp.ClientCapabilities
	onNotification  NotificationHandler
	newID           func() string

	mu         sync.Mutex
	state      SessionState
	cause      error
	proc       *supervisor
	serverInfo *mcp.InitializeResult
	done       chan struct{}

	outbox     *queue.Queue[[]byte]
	inbox      *queue.Queue[*jsonrpc.AnyMessage]
	notices    *queue.Queue[Notification]
	calls      *outbound.Dispatcher
	routerDone chan struct{}

	loops  sync.WaitGroup
	runCtx context.Context
	cancel context.CancelFunc
}

// New prepares a gateway for command. Nothing is spawned until Initialize.
func New(command string, args []string, opts ...Option) *Gateway {
	g := &Gateway{
		command:         command,
		args:            args,
		log:             slog.Default(),
		initTimeout:     defaultInitTimeout,
		graceTimeout:    defaultGraceTimeout,
		clientInfo:      mcp.ImplementationInfo{Name: "mcp-gateway", Version: "1.0.0"},
		protocolVersion: mcp.DefaultClientProtocolVersion,
		capabilities:    mcp.ClientCapabilities{Tools: &struct{}{}},
		state:           StateNotStarted,
		done:            make(chan struct{}),
		outbox:          queue.New[[]byte](),
		inbox:           queue.New[*jsonrpc.AnyMessage](),
		notices:         queue.New[Notification](),
		routerDone:      make(chan struct{}),
	}
	g.callTimeout.Store(int64(defaultCallTimeout))
	for _, opt := range opts {
		opt(g)
	}

	var dopts []outbound.Option
	if g.newID != nil {
		dopts = append(dopts, outbound.WithIDGenerator(g.newID))
	}
	g.calls = outbound.New(transport{g}, dopts...)

	return g
}

// transport hands framed requests to the outbox.
type transport struct{ g *Gateway }

func (t transport) SendRequest(_ context.Context, req *jsonrpc.Request) error {
	return t.g.enqueue(req)
}

// Initialize launches the child and performs the MCP handshake. It may be
// called once; on failure the gateway is stopped.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case StateNotStarted:
	case StateStopping, StateStopped:
		err := g.terminatedErrLocked()
		g.mu.Unlock()
		return err
	default:
		g.mu.Unlock()
		return ErrAlreadyStarted
	}

	proc, err := startProcess(g.command, g.args, g.env, g.dir, g.log)
	if err != nil {
		g.state = StateStopped
		g.cause = err
		close(g.done)
		g.mu.Unlock()
		g.log.ErrorContext(ctx, "gateway.launch.fail", slog.String("command", g.command), slog.String("err", err.Error()))
		return err
	}

	g.proc = proc
	g.state = StateInitializing
	g.runCtx, g.cancel = context.WithCancel(logctx.WithGatewayData(context.Background(), &logctx.GatewayData{
		Command: g.command,
		PID:     proc.pid(),
	}))

	g.loops.Add(5)
	go g.writeLoop(g.runCtx, proc.stdin)
	go g.readLoop(g.runCtx, proc.stdout)
	go g.routeLoop(g.runCtx)
	go g.notifyLoop(g.runCtx)
	go g.drainStderr(g.runCtx, proc.stderr)
	go g.watch(proc)
	g.mu.Unlock()

	g.log.InfoContext(g.runCtx, "gateway.launch.ok")

	if err := g.handshake(ctx); err != nil {
		g.log.ErrorContext(g.runCtx, "gateway.init.fail", slog.String("err", err.Error()))
		g.stopWith(fmt.Errorf("%w: initialize failed", ErrProcessTerminated))
		return err
	}
	return nil
}

func (g *Gateway) handshake(ctx context.Context) error {
	raw, err := g.call(ctx, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: g.protocolVersion,
		Capabilities:    g.capabilities,
		ClientInfo:      g.clientInfo,
	}, g.initTimeout, true)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	if res.ProtocolVersion != g.protocolVersion {
		g.log.WarnContext(g.runCtx, "gateway.init.version_mismatch",
			slog.String("offered", g.protocolVersion),
			slog.String("negotiated", res.ProtocolVersion),
		)
	}

	note, err := jsonrpc.NewNotification(string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		return err
	}
	if err := g.enqueue(note); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	g.mu.Lock()
	if g.state != StateInitializing {
		err := g.terminatedErrLocked()
		g.mu.Unlock()
		return err
	}
	g.serverInfo = &res
	g.state = StateReady
	g.mu.Unlock()

	g.log.InfoContext(g.runCtx, "gateway.init.ok",
		slog.String("server", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
		slog.String("protocol_version", res.ProtocolVersion),
	)
	return nil
}

// ListTools returns every tool the child advertises, following pagination.
func (g *Gateway) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor string
		seen   = map[string]bool{}
	)
	for {
		raw, err := g.call(ctx, string(mcp.ToolsListMethod), &mcp.ListToolsRequest{
			PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor},
		}, g.CallTimeout(), false)
		if err != nil {
			return nil, err
		}

		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("tools/list: decode result: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" || seen[page.NextCursor] {
			return tools, nil
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

// CallTool invokes the named tool and returns the raw result object exactly
// as the child sent it. args may be any JSON-marshalable value or a
// json.RawMessage; nil means no arguments.
func (g *Gateway) CallTool(ctx context.Context, name string, args any, opts ...CallOption) (json.RawMessage, error) {
	cfg := callConfig{timeout: g.CallTimeout()}
	for _, opt := range opts {
		opt(&cfg)
	}

	arguments, err := encodeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	start := time.Now()
	res, err := g.call(ctx, string(mcp.ToolsCallMethod), &mcp.CallToolRequest{Name: name, Arguments: arguments}, cfg.timeout, false)
	if err != nil {
		g.log.InfoContext(ctx, "tool.call.fail", slog.Duration("elapsed", time.Since(start)), slog.String("err", err.Error()))
		return nil, err
	}
	g.log.DebugContext(ctx, "tool.call.ok", slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

func encodeArguments(args any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := args.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("arguments are not valid JSON")
	}
	return raw, nil
}

// call checks readiness, then hands the request to the dispatcher. The
// handshake flag admits the initialize request while Initializing. Error
// responses from the child come back as *RemoteToolError.
func (g *Gateway) call(ctx context.Context, method string, params any, timeout time.Duration, handshake bool) (json.RawMessage, error) {
	g.mu.Lock()
	state := g.state
	var err error
	switch {
	case state == StateReady:
	case state == StateInitializing && handshake:
	case state.Terminal():
		err = g.terminatedErrLocked()
	default:
		err = ErrGatewayNotReady
	}
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res, err := g.calls.Call(ctx, method, params, timeout)
	return res, asRemoteToolError(err)
}

// watch turns an unexpected child exit into gateway termination. It waits for
// the router to drain what the child wrote before it exited.
func (g *Gateway) watch(proc *supervisor) {
	select {
	case <-g.routerDone:
	case <-proc.waitDone:
		t := time.NewTimer(drainTimeout)
		select {
		case <-g.routerDone:
		case <-t.C:
		}
		t.Stop()
	case <-g.done:
		return
	}
	g.terminate(proc.exitErr())
}

// terminate stops the gateway because the child went away on its own. It is
// a no-op once stopping has begun.
func (g *Gateway) terminate(cause error) {
	g.mu.Lock()
	if g.state != StateInitializing && g.state != StateReady {
		g.mu.Unlock()
		return
	}
	g.state = StateStopping
	g.cause = cause
	g.mu.Unlock()

	g.log.ErrorContext(g.runCtx, "child.exit", slog.Int("pending", g.calls.Pending()), slog.String("err", cause.Error()))
	g.shutdown(cause)
}

// Stop fails every pending call, stops the child and joins all loops. It is
// idempotent and returns the cause if the child had already died on its own.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	switch g.state {
	case StateNotStarted:
		g.state = StateStopped
		g.cause = errStopped
		close(g.done)
		g.mu.Unlock()
		return nil
	case StateInitializing, StateReady:
		g.mu.Unlock()
		g.stopWith(errStopped)
		return nil
	}
	g.mu.Unlock()

	<-g.done
	if errors.Is(g.Err(), errStopped) {
		return nil
	}
	var launchErr *ProcessLaunchError
	if errors.As(g.Err(), &launchErr) {
		return nil
	}
	return g.Err()
}

func (g *Gateway) stopWith(cause error) {
	g.mu.Lock()
	if g.state != StateInitializing && g.state != StateReady {
		g.mu.Unlock()
		<-g.done
		return
	}
	g.state = StateStopping
	g.cause = cause
	g.mu.Unlock()

	g.log.InfoContext(g.runCtx, "gateway.stop", slog.Int("pending", g.calls.Pending()))
	g.shutdown(cause)
}

// shutdown runs exactly once, from whichever path moved the state to
// Stopping.
func (g *Gateway) shutdown(cause error) {
	g.calls.Close(cause)
	g.outbox.Close()
	g.proc.stop(g.graceTimeout)
	g.cancel()
	g.loops.Wait()

	g.log.InfoContext(g.runCtx, "gateway.stopped")

	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
	close(g.done)
}

func (g *Gateway) terminatedErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminatedErrLocked()
}

func (g *Gateway) terminatedErrLocked() error {
	cause := g.cause
	if cause == nil {
		cause = ErrProcessTerminated
	}
	if !errors.Is(cause, ErrProcessTerminated) {
		cause = fmt.Errorf("%w: %w", ErrProcessTerminated, cause)
	}
	return fmt.Errorf("%w: %w", ErrGatewayNotReady, cause)
}

// Alive reports whether the child process is running.
func (g *Gateway) Alive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.proc != nil && g.proc.alive() && !g.state.Terminal()
}

// State returns the current lifecycle state.
func (g *Gateway) State() SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ServerInfo returns the child's initialize result, or nil before Ready.
func (g *Gateway) ServerInfo() *mcp.InitializeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.serverInfo
}

// Done is closed once the gateway reaches Stopped.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Err returns why the gateway stopped, or nil while it is running.
func (g *Gateway) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

// Pending returns the number of in-flight calls.
func (g *Gateway) Pending() int { return g.calls.Pending() }

// SetCallTimeout changes the default deadline for calls made after it returns.
func (g *Gateway) SetCallTimeout(d time.Duration) {
	if d > 0 {
		g.callTimeout.Store(int64(d))
	}
}

// CallTimeout returns the current default call deadline.
func (g *Gateway) CallTimeout() time.Duration {
	return time.Duration(g.callTimeout.Load())
}

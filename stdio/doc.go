// Package stdio implements a gateway that drives an MCP tool server running
// as a child process, speaking newline-delimited JSON-RPC over the child's
// stdin and stdout.
//
// Characteristics
//
//	Connection model : 1 gateway <-> 1 child process, many concurrent callers
//	Framing          : one JSON-RPC message per line, flushed per line
//	Correlation      : random string ids, responses routed by id in any order
//	Lifecycle        : NotStarted -> Initializing -> Ready -> Stopping -> Stopped
//
// A Gateway owns four loops: a writer draining an unbounded outbox into the
// child's stdin, a reader decoding the child's stdout into an inbox, a router
// resolving pending calls from the inbox, and a stderr drain feeding the
// logger. Callers block only on their own call; a slow or timed out call never
// delays another. Malformed output from the child is logged and dropped.
//
// A Gateway is single use. Once Stopped (explicitly, or because the child
// exited) every call fails with ErrProcessTerminated; build a new Gateway to
// start over.
//
// Example:
//
//	gw := stdio.New("python", []string{"-m", "tools.server"},
//	    stdio.WithLogger(logger),
//	    stdio.WithCallTimeout(60*time.Second),
//	)
//	if err := gw.Initialize(ctx); err != nil { log.Fatal(err) }
//	defer gw.Stop()
//
//	res, err := gw.CallTool(ctx, "echo", map[string]any{"x": 5})
package stdio

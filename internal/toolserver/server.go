// Package toolserver is a small MCP server that speaks newline-delimited
// JSON-RPC over a reader/writer pair. It backs the bundled mcp-echotool
// binary so the gateway can run end to end without external software.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

// Server dispatches MCP requests to registered tools.
type Server struct {
	info     mcp.ImplementationInfo
	tools    []Tool
	byName   map[string]int
	pageSize int
	log      *slog.Logger
	logCalls bool

	wmu sync.Mutex
	w   io.Writer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for protocol diagnostics. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithPageSize splits tools/list into pages of n tools.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithCallNotifications makes the server emit a notifications/message for
// every tool call it handles.
func WithCallNotifications() Option {
	return func(s *Server) { s.logCalls = true }
}

// New returns a server advertising info and serving tools.
func New(info mcp.ImplementationInfo, tools []Tool, opts ...Option) (*Server, error) {
	s := &Server{info: info, byName: make(map[string]int, len(tools)), log: slog.Default()}
	for i, t := range tools {
		if t.Descriptor.Name == "" {
			return nil, errors.New("toolserver: tool without a name")
		}
		if _, dup := s.byName[t.Descriptor.Name]; dup {
			return nil, fmt.Errorf("toolserver: duplicate tool %q", t.Descriptor.Name)
		}
		s.byName[t.Descriptor.Name] = i
	}
	s.tools = tools
	for _, opt := range opts {
		opt(s)
	}
	if s.pageSize == 0 {
		s.pageSize = len(tools)
	}
	return s, nil
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is done. Requests are handled concurrently; Serve waits
// for in-flight handlers before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.w = w

	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("toolserver: read: %w", err)
				default:
					return nil
				}
			}
			msg, err := jsonrpc.DecodeFrame(line)
			if errors.Is(err, jsonrpc.ErrBlankFrame) {
				continue
			}
			if err != nil {
				s.log.WarnContext(ctx, "toolserver.frame.malformed", slog.String("err", err.Error()))
				s.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
				continue
			}
			if msg.Kind() != jsonrpc.KindRequest {
				continue
			}
			req := msg.AsRequest()
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.write(ctx, s.handle(ctx, req))
			}()
		}
	}
}

func (s *Server) write(ctx context.Context, v any) {
	frame, err := jsonrpc.EncodeFrame(v)
	if err != nil {
		s.log.ErrorContext(ctx, "toolserver.encode.fail", slog.String("err", err.Error()))
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		s.log.WarnContext(ctx, "toolserver.write.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, rpcErr = s.initialize(req.Params)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result, rpcErr = s.listTools(req.Params)
	case mcp.ToolsCallMethod:
		result, rpcErr = s.callTool(ctx, req.Params)
	default:
		rpcErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func (s *Server) initialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.InitializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}
	version := req.ProtocolVersion
	if version == "" {
		version = mcp.LatestProtocolVersion
	}
	res := mcp.InitializeResult{ProtocolVersion: version, ServerInfo: s.info}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	if s.logCalls {
		res.Capabilities.Logging = &struct{}{}
	}
	return res, nil
}

func (s *Server) listTools(params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.ListToolsRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}
	start := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 || n > len(s.tools) {
			return nil, invalidParams(fmt.Errorf("unknown cursor %q", req.Cursor))
		}
		start = n
	}
	end := min(start+s.pageSize, len(s.tools))

	res := mcp.ListToolsResult{Tools: make([]mcp.Tool, 0, end-start)}
	for _, t := range s.tools[start:end] {
		res.Tools = append(res.Tools, t.Descriptor)
	}
	if end < len(s.tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.CallToolRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, invalidParams(err)
	}
	i, ok := s.byName[req.Name]
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "unknown tool: " + req.Name}
	}

	if s.logCalls {
		note, err := jsonrpc.NewNotification(string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
			Level:  mcp.LoggingLevelInfo,
			Logger: s.info.Name,
			Data:   map[string]any{"tool": req.Name},
		})
		if err == nil {
			s.write(ctx, note)
		}
	}

	res, err := s.tools[i].Handler(ctx, req.Arguments)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: err.Error()}
	}
	return res, nil
}

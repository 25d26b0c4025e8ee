package toolserver

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

// session drives a Server over in-memory pipes.
type session struct {
	t    *testing.T
	in   *io.PipeWriter
	out  *bufio.Reader
	done chan error
}

func startSession(t *testing.T, opts ...Option) *session {
	t.Helper()
	srv, err := New(mcp.ImplementationInfo{Name: "echotool", Version: "test"}, Builtin(), opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := &session{t: t, in: inW, out: bufio.NewReader(outR), done: make(chan error, 1)}
	go func() {
		s.done <- srv.Serve(t.Context(), inR, outW)
		_ = outW.Close()
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		go func() { _, _ = io.Copy(io.Discard, outR) }()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return s
}

func (s *session) send(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		s.t.Fatalf("write: %v", err)
	}
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *session) recv() frame {
	s.t.Helper()
	line, err := s.out.ReadBytes('\n')
	if err != nil {
		s.t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		s.t.Fatalf("decode %q: %v", line, err)
	}
	return f
}

func TestInitializeAndList(t *testing.T) {
	s := startSession(t, WithPageSize(1))

	s.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"0"}}}`)
	f := s.recv()
	var init mcp.InitializeResult
	if err := json.Unmarshal(f.Result, &init); err != nil {
		t.Fatalf("init result: %v", err)
	}
	if init.ProtocolVersion != "2024-11-05" || init.ServerInfo.Name != "echotool" || init.Capabilities.Tools == nil {
		t.Fatalf("init = %+v", init)
	}

	s.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	s.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var page mcp.ListToolsResult
	if err := json.Unmarshal(s.recv().Result, &page); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Tools) != 1 || page.Tools[0].Name != "echo" || page.NextCursor != "1" {
		t.Fatalf("page 1 = %+v", page)
	}
	if !strings.Contains(string(page.Tools[0].InputSchema), `"required":["text"]`) {
		t.Fatalf("echo schema = %s", page.Tools[0].InputSchema)
	}
	if strings.Contains(string(page.Tools[0].InputSchema), "$schema") {
		t.Fatalf("schema carries $schema: %s", page.Tools[0].InputSchema)
	}

	s.send(`{"jsonrpc":"2.0","id":3,"method":"tools/list","params":{"cursor":"1"}}`)
	page = mcp.ListToolsResult{}
	if err := json.Unmarshal(s.recv().Result, &page); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Tools) != 1 || page.Tools[0].Name != "add" || page.NextCursor != "" {
		t.Fatalf("page 2 = %+v", page)
	}

	s.send(`{"jsonrpc":"2.0","id":4,"method":"tools/list","params":{"cursor":"zzz"}}`)
	if f := s.recv(); f.Error == nil || f.Error.Code != -32602 {
		t.Fatalf("bad cursor = %+v", f)
	}
}

func TestCallTool(t *testing.T) {
	s := startSession(t)

	s.send(`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":3}}}`)
	f := s.recv()
	if string(f.ID) != `"a"` {
		t.Fatalf("id = %s", f.ID)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(f.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.IsError || res.StructuredContent["sum"] != float64(5) {
		t.Fatalf("add = %+v", res)
	}
	if len(res.Content) != 1 || res.Content[0].Text != `{"sum":5}` {
		t.Fatalf("content = %+v", res.Content)
	}

	s.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi","uppercase":true}}}`)
	res = mcp.CallToolResult{}
	if err := json.Unmarshal(s.recv().Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.StructuredContent["text"] != "HI" {
		t.Fatalf("echo = %+v", res)
	}
}

func TestCallToolErrors(t *testing.T) {
	s := startSession(t)

	tests := []struct {
		line    string
		isError bool
		code    int
	}{
		{line: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, isError: true},
		{line: `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x","extra":1}}}`, isError: true},
		{line: `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope","arguments":{}}}`, code: -32602},
		{line: `{"jsonrpc":"2.0","id":4,"method":"resources/list"}`, code: -32601},
	}
	for _, tt := range tests {
		s.send(tt.line)
		f := s.recv()
		if tt.code != 0 {
			if f.Error == nil || f.Error.Code != tt.code {
				t.Errorf("%s: got %+v", tt.line, f)
			}
			continue
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(f.Result, &res); err != nil || res.IsError != tt.isError {
			t.Errorf("%s: result %s err %v", tt.line, f.Result, err)
		}
	}
}

func TestMalformedAndPing(t *testing.T) {
	s := startSession(t)

	s.send(`{not json`)
	if f := s.recv(); f.Error == nil || f.Error.Code != -32700 {
		t.Fatalf("malformed = %+v", f)
	}
	s.send("")
	s.send(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if f := s.recv(); string(f.ID) != "7" || string(f.Result) != "{}" {
		t.Fatalf("ping = %+v", f)
	}
}

func TestCallNotifications(t *testing.T) {
	s := startSession(t, WithCallNotifications())

	s.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":1}}}`)
	note := s.recv()
	if note.Method != "notifications/message" || !strings.Contains(string(note.Params), `"tool":"add"`) {
		t.Fatalf("notification = %+v", note)
	}
	if resp := s.recv(); string(resp.ID) != "1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	tools := append(Builtin(), Builtin()[0])
	if _, err := New(mcp.ImplementationInfo{Name: "x"}, tools); err == nil {
		t.Fatalf("duplicate tool accepted")
	}
	if _, err := New(mcp.ImplementationInfo{Name: "x"}, []Tool{{}}); err == nil {
		t.Fatalf("nameless tool accepted")
	}
}

package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// stubEnv selects the behaviour of the re-executed test binary.
const stubEnv = "STDIO_GATEWAY_STUB"

const (
	stubEcho        = "echo"
	stubSilent      = "silent"
	stubCrashOnInit = "crash-on-init"
	stubIgnoreTerm  = "ignore-term"
	stubSDK         = "sdk"
	stubListError   = "list-error"
	stubInitError   = "init-error"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(stubEnv); mode != "" {
		os.Exit(runStub(mode))
	}
	os.Exit(m.Run())
}

func runStub(mode string) int {
	fmt.Fprintf(os.Stderr, "stub starting mode=%s\n", mode)

	if mode == stubSDK {
		return runSDKStub()
	}
	if mode == stubIgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}

	s := &stub{mode: mode, out: bufio.NewWriter(os.Stdout), replies: map[string]chan json.RawMessage{}, release: make(chan struct{})}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var msg stubMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			fmt.Fprintf(os.Stderr, "stub: bad line: %v\n", err)
			continue
		}
		s.handle(msg)
	}

	if mode == stubIgnoreTerm {
		time.Sleep(time.Hour)
	}
	return 0
}

type stubMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// stub is a hand-written tool server that writes exact bytes so tests can
// compare payloads verbatim.
type stub struct {
	mode string

	mu  sync.Mutex
	out *bufio.Writer

	initParams  json.RawMessage
	initialized bool

	replies map[string]chan json.RawMessage
	release chan struct{}
	once    sync.Once
}

func (s *stub) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.WriteString(line)
	s.out.WriteString("\n")
	s.out.Flush()
}

func (s *stub) result(id json.RawMessage, result string) {
	s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

func (s *stub) handle(msg stubMessage) {
	switch {
	case msg.Method == "" && len(msg.ID) > 0:
		var key string
		_ = json.Unmarshal(msg.ID, &key)
		s.mu.Lock()
		ch := s.replies[key]
		s.mu.Unlock()
		if ch != nil {
			raw := msg.Result
			if msg.Error != nil {
				raw = json.RawMessage(strconv.Itoa(msg.Error.Code))
			}
			ch <- raw
		}
	case msg.Method == "initialize":
		switch s.mode {
		case stubSilent:
			return
		case stubCrashOnInit:
			os.Exit(3)
		case stubInitError:
			s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"unsupported protocol version","data":{"supported":["2099-01-01"]}}}`, msg.ID))
			return
		}
		s.initParams = msg.Params
		s.result(msg.ID, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"stub","version":"0.0.1"}}`)
	case msg.Method == "notifications/initialized":
		s.initialized = true
	case msg.Method == "tools/list" && s.mode == stubListError:
		s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"list broke"}}`, msg.ID))
	case msg.Method == "tools/list":
		var req struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(msg.Params, &req)
		if req.Cursor == "" {
			s.result(msg.ID, `{"tools":[{"name":"echo","inputSchema":{"type":"object"}},{"name":"fail","inputSchema":{"type":"object"}}],"nextCursor":"page-2"}`)
			return
		}
		s.result(msg.ID, `{"tools":[{"name":"slow","inputSchema":{"type":"object"}}]}`)
	case msg.Method == "tools/call":
		var req struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"bad params"}}`, msg.ID))
			return
		}
		go s.callTool(msg.ID, req.Name, req.Arguments)
	case len(msg.ID) > 0:
		s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, msg.ID))
	}
}

func (s *stub) callTool(id json.RawMessage, name string, args json.RawMessage) {
	switch name {
	case "echo":
		s.result(id, fmt.Sprintf(`{"echo":%s}`, args))
	case "whoami":
		s.result(id, fmt.Sprintf(`{"initialize":%s,"initialized":%t}`, s.initParams, s.initialized))
	case "fail":
		s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"bad arguments","data":{"field":"x"}}}`, id))
	case "slow":
		var in struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(args, &in)
		time.Sleep(time.Duration(in.MS) * time.Millisecond)
		s.result(id, `{"slow":true}`)
	case "hold":
		<-s.release
		s.result(id, `{"held":true}`)
	case "release":
		s.result(id, `{"released":true}`)
		s.once.Do(func() { close(s.release) })
	case "noisy":
		s.writeLine(`this is not json`)
		s.writeLine(``)
		s.writeLine(`   `)
		s.writeLine(`{"jsonrpc":"1.0","id":"x","result":{}}`)
		s.writeLine(`{"jsonrpc":"2.0","id":"no-such-call","result":{"stray":true}}`)
		s.result(id, `{"noisy":true}`)
	case "notify":
		s.writeLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","logger":"stub","data":"hello"}}`)
		s.writeLine(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"t","progress":1}}`)
		s.result(id, `{"notified":true}`)
	case "badlevel":
		s.writeLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"shout","data":"loud"}}`)
		s.writeLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"warning","data":"careful"}}`)
		s.result(id, `{"badlevel":true}`)
	case "ping":
		pong := s.ask("srv-ping", "ping")
		code := s.ask("srv-sample", "sampling/createMessage")
		s.result(id, fmt.Sprintf(`{"pong":%s,"unsupported":%s}`, pong, code))
	case "exit":
		os.Exit(3)
	default:
		s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"unknown tool"}}`, id))
	}
}

// ask sends a request to the gateway and waits for its answer.
func (s *stub) ask(id, method string) json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.replies[id] = ch
	s.mu.Unlock()
	s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":%q}`, id, method))
	select {
	case raw := <-ch:
		return raw
	case <-time.After(5 * time.Second):
		return json.RawMessage(`null`)
	}
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResult struct {
	Sum int `json:"sum"`
}

func runSDKStub() int {
	server := sdk.NewServer(&sdk.Implementation{Name: "sdk-stub", Version: "0.0.1"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "add", Description: "Adds two integers"},
		func(ctx context.Context, req *sdk.CallToolRequest, in addArgs) (*sdk.CallToolResult, addResult, error) {
			return nil, addResult{Sum: in.A + in.B}, nil
		})
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "sdk stub: %v\n", err)
		return 1
	}
	return 0
}

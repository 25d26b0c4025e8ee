package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/api/tools/call"})
	ctx = WithGatewayData(ctx, &GatewayData{Command: "echo-tool", PID: 42})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "abc", Type: "request"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "echo"})
	ctx = WithUserID(ctx, "user-1")

	log.InfoContext(ctx, "tool.call.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log record: %v (%s)", err, buf.String())
	}
	if rec["component"] != "test" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	checks := map[string]map[string]any{
		"req":  {"id": "r1", "path": "/api/tools/call"},
		"gw":   {"command": "echo-tool", "pid": float64(42)},
		"rpc":  {"method": "tools/call", "id": "abc"},
		"tool": {"name": "echo"},
		"user": {"id": "user-1"},
	}
	for group, want := range checks {
		got, ok := rec[group].(map[string]any)
		if !ok {
			t.Fatalf("group %q missing: %v", group, rec)
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("%s.%s = %v, want %v", group, k, got[k], v)
			}
		}
	}

	if RequestID(ctx) != "r1" {
		t.Fatalf("RequestID = %q", RequestID(ctx))
	}
}

func TestHandler_NoContextNoGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, g := range []string{"req", "gw", "rpc", "tool", "user"} {
		if _, ok := rec[g]; ok {
			t.Fatalf("unexpected group %q", g)
		}
	}
}

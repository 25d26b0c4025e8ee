package jsonrpc

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDecodeFrame_Kinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
		id   string
	}{
		{"request", `{"jsonrpc":"2.0","id":"a1","method":"tools/call","params":{"name":"echo"}}`, KindRequest, "a1"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`, KindNotification, ""},
		{"result response", `{"jsonrpc":"2.0","id":"a1","result":{"x":5}}`, KindResponse, "a1"},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, KindResponse, "7"},
		{"null result", `{"jsonrpc":"2.0","id":"n","result":null}`, KindResponse, "n"},
		{"missing version", `{"id":"1","result":{}}`, KindResponse, "1"},
		{"trailing CRLF", "{\"jsonrpc\":\"2.0\",\"id\":\"c\",\"result\":1}\r\n", KindResponse, "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeFrame([]byte(tt.line))
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if msg.Kind() != tt.kind {
				t.Fatalf("kind = %s, want %s", msg.Kind(), tt.kind)
			}
			if got := msg.ID.String(); got != tt.id {
				t.Fatalf("id = %q, want %q", got, tt.id)
			}
		})
	}
}

func TestDecodeFrame_Rejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello there`},
		{"truncated", `{"jsonrpc":"2.0","id":"1","result":`},
		{"wrong version", `{"jsonrpc":"1.0","id":"1","result":{}}`},
		{"result and error", `{"jsonrpc":"2.0","id":"1","result":{},"error":{"code":1,"message":"x"}}`},
		{"neither result nor error", `{"jsonrpc":"2.0","id":"1"}`},
		{"request with result", `{"jsonrpc":"2.0","id":"1","method":"m","result":{}}`},
		{"object id", `{"jsonrpc":"2.0","id":{"a":1},"result":{}}`},
		{"batch", `[{"jsonrpc":"2.0","id":"1","result":{}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.line))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("want ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestDecodeFrame_Blank(t *testing.T) {
	for _, line := range []string{"", "\n", "   \t\r\n"} {
		if _, err := DecodeFrame([]byte(line)); !errors.Is(err, ErrBlankFrame) {
			t.Fatalf("line %q: want ErrBlankFrame, got %v", line, err)
		}
	}
}

func TestEncodeFrame_SingleTrailingNewline(t *testing.T) {
	req, err := NewRequest(NewRequestID("x"), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": "line one\nline two"},
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	frame, err := EncodeFrame(req)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if n := bytes.Count(frame, []byte("\n")); n != 1 {
		t.Fatalf("frame contains %d newlines, want 1: %q", n, frame)
	}
	if frame[len(frame)-1] != '\n' {
		t.Fatalf("frame not newline terminated: %q", frame)
	}

	msg, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if msg.Kind() != KindRequest || msg.Method != "tools/call" || msg.ID.String() != "x" {
		t.Fatalf("unexpected decode: %+v", msg)
	}
}

func TestNewNotification_OmitsID(t *testing.T) {
	n, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	frame, err := EncodeFrame(n)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	if string(frame) != want {
		t.Fatalf("frame = %q, want %q", frame, want)
	}
}

func TestRequestID_NumberAndStringCorrelate(t *testing.T) {
	a, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID.String() != NewRequestID("42").String() {
		t.Fatalf("numeric id %q does not match string id", a.ID.String())
	}
}

func TestPreview_KeepsRunesWhole(t *testing.T) {
	line := []byte("  שלום עולם  ")
	for n := 1; n < len(bytes.TrimSpace(line)); n++ {
		got := Preview(line, n)
		if !utf8.ValidString(got) {
			t.Fatalf("Preview(%d) = %q is not valid UTF-8", n, got)
		}
		if len(strings.TrimSuffix(got, "...")) > n {
			t.Fatalf("Preview(%d) = %q is longer than %d bytes", n, got, n)
		}
	}
	if got := Preview([]byte(" short "), 10); got != "short" {
		t.Fatalf("Preview = %q", got)
	}
}

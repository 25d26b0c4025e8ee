package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrBlankFrame is returned by DecodeFrame for a line holding only whitespace.
	ErrBlankFrame = errors.New("blank frame")
	// ErrMalformedMessage wraps every failure to decode a non-blank line.
	ErrMalformedMessage = errors.New("malformed message")
)

// EncodeFrame marshals v as compact JSON terminated by a single newline, the
// framing used on stdio transports. encoding/json escapes control characters
// inside strings, so the only raw newline in the output is the terminator.
func EncodeFrame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeFrame decodes one line into a validated message. Leading and trailing
// whitespace (including the newline terminator and a CR) is ignored.
func DecodeFrame(line []byte) (*AnyMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrBlankFrame
	}
	var msg AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// Preview returns at most n bytes of line for log output. A cut never splits
// a UTF-8 sequence.
func Preview(line []byte, n int) string {
	line = bytes.TrimSpace(line)
	if len(line) <= n {
		return string(line)
	}
	for n > 0 && !utf8.RuneStart(line[n]) {
		n--
	}
	return string(line[:n]) + "..."
}

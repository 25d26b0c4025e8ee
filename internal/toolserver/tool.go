package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-stdio-gateway/mcp"
	"github.com/invopop/jsonschema"
)

// ToolHandler handles one tools/call with undecoded arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false
// and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a Tool from a typed function. The input schema is reflected
// from A and the output schema from O. The result carries O both as
// structuredContent and as a JSON text block for clients that ignore
// structured output. Returning an error from fn yields an isError result.
func NewTool[A, O any](name string, fn func(ctx context.Context, args A) (O, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:         name,
		Description:  cfg.description,
		InputSchema:  reflectSchema[A](cfg.allowAdditionalProperties),
		OutputSchema: reflectSchema[O](true),
	}

	handler := func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(raw) > 0 && string(raw) != "null" {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		out, err := fn(ctx, a)
		if err != nil {
			return Errorf("%v", err), nil
		}
		return structuredResult(out)
	}

	return Tool{Descriptor: desc, Handler: handler}
}

// Errorf returns a tool result flagged as an error with a text message.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, args...)}},
	}
}

func structuredResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool output: %w", err)
	}
	res := &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: string(b)}}}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		res.StructuredContent = m
	}
	return res, nil
}

// reflectSchema reflects T into an inline object schema. Non-object types
// collapse to an empty object schema.
func reflectSchema[T any](allowAdditional bool) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(T))
	if s == nil || s.Type != "object" {
		return json.RawMessage(`{"type":"object"}`)
	}
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

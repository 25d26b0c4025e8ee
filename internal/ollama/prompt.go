package ollama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ggoodman/mcp-stdio-gateway/mcp"
)

// ToolRequest is the JSON object a model emits to ask for a tool call.
type ToolRequest struct {
	UseTool    bool            `json:"use_tool"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParseToolRequest extracts a tool request from a model reply. The reply
// must mention "use_tool": true; the JSON between the first '{' and the last
// '}' must decode and name a tool.
func ParseToolRequest(reply string) (*ToolRequest, bool) {
	if !strings.Contains(reply, `"use_tool": true`) && !strings.Contains(reply, `"use_tool":true`) {
		return nil, false
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var req ToolRequest
	if err := json.Unmarshal([]byte(reply[start:end+1]), &req); err != nil {
		return nil, false
	}
	if !req.UseTool || req.Tool == "" {
		return nil, false
	}
	if len(req.Parameters) == 0 || string(req.Parameters) == "null" {
		req.Parameters = json.RawMessage(`{}`)
	}
	return &req, true
}

// ContainsHebrew reports whether s has any Hebrew letter.
func ContainsHebrew(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hebrew, r) {
			return true
		}
	}
	return false
}

// ToolPrompt asks the model to either answer message directly or reply with
// a tool request for one of tools.
func ToolPrompt(tools []mcp.Tool, message string) string {
	var b strings.Builder
	b.WriteString("You are a helpful AI assistant with access to LIVE DATA through these tools.\n\n")
	b.WriteString("IMPORTANT: Use these tools to get current, accurate information instead of your training data.\n\n")
	b.WriteString("Available tools:\n")
	for i, t := range tools {
		fmt.Fprintf(&b, "%d. %s", i+1, t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, " - %s", t.Description)
		}
		b.WriteByte('\n')
		if len(t.InputSchema) > 0 {
			fmt.Fprintf(&b, "   input schema: %s\n", compactJSON(t.InputSchema))
		}
	}
	b.WriteString("\nWhen you need a tool, respond with JSON in this EXACT format:\n")
	b.WriteString(`{"use_tool": true, "tool": "tool_name", "parameters": {"param_name": value}}`)
	b.WriteString("\n\n")
	if ContainsHebrew(message) {
		b.WriteString("The user writes in Hebrew. If you answer without a tool, answer in Hebrew.\n\n")
	}
	fmt.Fprintf(&b, "User question: %s\n\n", message)
	b.WriteString("ANALYZE: Does this question ask for live data that requires tools? If YES, respond with the tool JSON.\n")
	return b.String()
}

// SummaryPrompt asks the model to answer message from a tool's result.
func SummaryPrompt(message, tool string, params, result json.RawMessage) string {
	var b strings.Builder
	hebrew := ContainsHebrew(message)
	if hebrew {
		fmt.Fprintf(&b, "The user asked in Hebrew: %q\n\n", message)
	} else {
		fmt.Fprintf(&b, "The user asked: %q\n\n", message)
	}
	fmt.Fprintf(&b, "I used the tool %s with parameters %s\n", tool, compactJSON(params))
	fmt.Fprintf(&b, "The result was: %s\n\n", compactJSON(result))
	if hebrew {
		b.WriteString("IMPORTANT: The user asked in Hebrew, so you MUST respond in Hebrew.\n")
		b.WriteString("Please provide a helpful and natural response in Hebrew based on this data.\n")
	} else {
		b.WriteString("Please provide a helpful and natural response based on this data.\n")
	}
	b.WriteString("Format the response nicely and explain what you found.\n")
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

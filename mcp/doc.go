// Package mcp contains the Model Context Protocol data types and constants
// needed to drive a tool server: the lifecycle handshake, tool discovery,
// tool invocation and the notifications a server may emit along the way.
//
// The package is free of transport logic. The stdio gateway marshals these
// types into JSON-RPC frames; the HTTP API relays them to callers.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes.
//
// # Schemas
//
// Tool input and output schemas are carried as json.RawMessage. A gateway
// never interprets them, and keeping them raw preserves keywords that a typed
// model would drop.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Protocol Versions
//
// LatestProtocolVersion is the newest revision these types describe.
// DefaultClientProtocolVersion is what the gateway offers during initialize
// unless configured otherwise; servers answer with the version they speak.
package mcp

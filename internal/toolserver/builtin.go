package toolserver

import (
	"context"
	"errors"
	"strings"
)

// EchoArgs is the input of the echo tool.
type EchoArgs struct {
	Text      string `json:"text" jsonschema:"required,description=Text to echo back"`
	Uppercase bool   `json:"uppercase,omitempty" jsonschema:"description=Upper-case the text first"`
}

// EchoResult is the output of the echo tool.
type EchoResult struct {
	Text   string `json:"text"`
	Length int    `json:"length"`
}

// AddArgs is the input of the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"required,description=First addend"`
	B float64 `json:"b" jsonschema:"required,description=Second addend"`
}

// AddResult is the output of the add tool.
type AddResult struct {
	Sum float64 `json:"sum"`
}

// Builtin returns the tools served by mcp-echotool.
func Builtin() []Tool {
	return []Tool{
		NewTool("echo", func(_ context.Context, args EchoArgs) (EchoResult, error) {
			if args.Text == "" {
				return EchoResult{}, errors.New("text is required")
			}
			text := args.Text
			if args.Uppercase {
				text = strings.ToUpper(text)
			}
			return EchoResult{Text: text, Length: len([]rune(text))}, nil
		}, WithDescription("Echo the given text")),
		NewTool("add", func(_ context.Context, args AddArgs) (AddResult, error) {
			return AddResult{Sum: args.A + args.B}, nil
		}, WithDescription("Add two numbers")),
	}
}

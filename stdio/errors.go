package stdio

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-gateway/internal/outbound"
)

var (
	// ErrGatewayNotReady is returned for calls made before the handshake
	// completed. Once the gateway has stopped, returned errors match both
	// ErrGatewayNotReady and ErrProcessTerminated.
	ErrGatewayNotReady = errors.New("gateway not ready")
	// ErrProcessTerminated indicates the child process is gone, either because
	// it exited on its own or because the gateway was stopped.
	ErrProcessTerminated = errors.New("process terminated")
	// ErrAlreadyStarted is returned by a second call to Initialize.
	ErrAlreadyStarted = errors.New("gateway already started")
	// ErrRequestTimeout indicates no response arrived before the call deadline.
	ErrRequestTimeout = outbound.ErrRequestTimeout
	// ErrMalformedMessage classifies undecodable lines from the child. It is
	// only ever logged.
	ErrMalformedMessage = jsonrpc.ErrMalformedMessage
)

// ProcessLaunchError reports that the child could not be spawned.
type ProcessLaunchError struct {
	Command string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// RemoteToolError carries a JSON-RPC error object returned by the child,
// verbatim.
type RemoteToolError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteToolError) Error() string {
	return fmt.Sprintf("remote tool error %d: %s", e.Code, e.Message)
}

func asRemoteToolError(err error) error {
	if err == nil {
		return nil
	}
	var rerr *outbound.RemoteError
	if errors.As(err, &rerr) {
		return &RemoteToolError{Code: int(rerr.Code), Message: rerr.Message, Data: rerr.Data}
	}
	return err
}

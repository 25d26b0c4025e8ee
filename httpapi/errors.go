package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-stdio-gateway/stdio"
)

const (
	kindBadRequest = "bad_request"
	kindNotReady   = "not_ready"
	kindTerminated = "terminated"
	kindTimeout    = "timeout"
	kindRemote     = "remote_error"
	kindNotFound   = "not_found"
	kindInternal   = "internal"
	kindLLM        = "llm_unavailable"
)

// apiError is the error member of every failed response.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Code and Data carry a child's JSON-RPC error verbatim.
	Code int `json:"code,omitempty"`
	Data any `json:"data,omitempty"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   *apiError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, e *apiError) {
	writeJSON(w, status, errorResponse{Error: e})
}

// classify maps a gateway error to an HTTP status and error body.
func classify(err error) (int, *apiError) {
	var remote *stdio.RemoteToolError
	switch {
	case errors.As(err, &remote):
		return http.StatusBadGateway, &apiError{Kind: kindRemote, Message: remote.Message, Code: remote.Code, Data: remote.Data}
	case errors.Is(err, stdio.ErrProcessTerminated):
		return http.StatusServiceUnavailable, &apiError{Kind: kindTerminated, Message: err.Error()}
	case errors.Is(err, stdio.ErrGatewayNotReady):
		return http.StatusServiceUnavailable, &apiError{Kind: kindNotReady, Message: err.Error()}
	case errors.Is(err, stdio.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, &apiError{Kind: kindTimeout, Message: err.Error()}
	default:
		return http.StatusInternalServerError, &apiError{Kind: kindInternal, Message: err.Error()}
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/logctx"
	"github.com/ggoodman/mcp-stdio-gateway/internal/ollama"
	"github.com/google/uuid"
)

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	ToolUsed   *string         `json:"tool_used"`
	ToolResult json.RawMessage `json:"tool_result"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.llm == nil {
		writeError(w, http.StatusServiceUnavailable, &apiError{Kind: kindLLM, Message: "no language model is configured"})
		return
	}
	ctx := r.Context()

	var req chatRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, &apiError{Kind: kindBadRequest, Message: "No message provided"})
		return
	}
	if h.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.chatTimeout)
		defer cancel()
	}

	tools, err := h.gw.ListTools(ctx)
	if err != nil {
		status, body := classify(err)
		h.log.WarnContext(ctx, "http.chat.tools.fail", slog.String("err", err.Error()))
		writeError(w, status, body)
		return
	}

	start := time.Now()
	reply, err := h.llm.Generate(ctx, ollama.ToolPrompt(tools, req.Message))
	if err != nil {
		h.writeLLMError(ctx, w, err)
		return
	}
	h.log.DebugContext(ctx, "http.chat.generate.ok", slog.Duration("elapsed", time.Since(start)))

	toolReq, ok := ollama.ParseToolRequest(reply)
	if !ok {
		writeJSON(w, http.StatusOK, chatResponse{Success: true, Message: reply})
		return
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: toolReq.Tool})
	rec := &CallRecord{ID: uuid.NewString(), Tool: toolReq.Tool, Arguments: toolReq.Parameters, StartedAt: time.Now().UTC()}
	result, err := h.gw.CallTool(ctx, toolReq.Tool, toolReq.Parameters)
	rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()
	user := userFrom(ctx).UserID()
	if err != nil {
		status, body := classify(err)
		rec.Status, rec.Error = statusError, body
		h.persist(ctx, user, rec)
		h.log.InfoContext(ctx, "http.chat.tool.fail", slog.Int("status", status), slog.String("err", err.Error()))
		writeError(w, status, body)
		return
	}
	rec.Status, rec.Result = statusOK, result
	h.persist(ctx, user, rec)

	final, err := h.llm.Generate(ctx, ollama.SummaryPrompt(req.Message, toolReq.Tool, toolReq.Parameters, result))
	if err != nil {
		h.writeLLMError(ctx, w, err)
		return
	}

	tool := toolReq.Tool
	h.log.InfoContext(ctx, "http.chat.ok", slog.Duration("elapsed", time.Since(start)))
	writeJSON(w, http.StatusOK, chatResponse{Success: true, Message: final, ToolUsed: &tool, ToolResult: result})
}

func (h *Handler) writeLLMError(ctx context.Context, w http.ResponseWriter, err error) {
	h.log.WarnContext(ctx, "http.chat.llm.fail", slog.String("err", err.Error()))
	status := http.StatusBadGateway
	if ctx.Err() != nil {
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, &apiError{Kind: kindLLM, Message: "Cannot reach the language model: " + err.Error()})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/logctx"
	"github.com/ggoodman/mcp-stdio-gateway/internal/receipt"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
	"github.com/ggoodman/mcp-stdio-gateway/stdio"
	"github.com/google/uuid"
)

type statusResponse struct {
	Message      string                  `json:"message"`
	Architecture string                  `json:"architecture"`
	State        stdio.SessionState      `json:"state"`
	Server       *mcp.ImplementationInfo `json:"server,omitempty"`
	Protocol     string                  `json:"protocolVersion,omitempty"`
	Endpoints    map[string]string       `json:"endpoints"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := statusResponse{
		Message:      "MCP stdio gateway",
		Architecture: "HTTP client -> gateway -> stdio MCP server",
		State:        h.gw.State(),
		Endpoints: map[string]string{
			"GET /healthz":                "Readiness of the tool server",
			"GET /api/tools":              "List available tools",
			"POST /api/tools/call":        "Call a tool",
			"GET /api/calls/{id}":         "Look up a journaled call",
			"GET /api/receipts/{receipt}": "Resolve a call receipt",
			"POST /api/chat":              "Chat with the LLM using tools",
			"GET /api/notifications":      "Stream tool server notifications",
		},
	}
	if info := h.gw.ServerInfo(); info != nil {
		res.Server = &info.ServerInfo
		res.Protocol = info.ProtocolVersion
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.gw.State()
	status := http.StatusOK
	if state != stdio.StateReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"state": state})
}

type listToolsResponse struct {
	Success bool       `json:"success"`
	Tools   []mcp.Tool `json:"tools"`
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tools, err := h.gw.ListTools(ctx)
	if err != nil {
		status, body := classify(err)
		h.log.WarnContext(ctx, "http.tools.list.fail", slog.String("err", err.Error()))
		writeError(w, status, body)
		return
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, http.StatusOK, listToolsResponse{Success: true, Tools: tools})
}

type callToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	TimeoutMs int64           `json:"timeoutMs"`
}

type callToolResponse struct {
	Success bool            `json:"success"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Receipt string          `json:"receipt,omitempty"`
}

func (h *Handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req callToolRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, &apiError{Kind: kindBadRequest, Message: "name is required"})
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, &apiError{Kind: kindBadRequest, Message: "timeoutMs must not be negative"})
		return
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})

	var opts []stdio.CallOption
	if req.TimeoutMs > 0 {
		opts = append(opts, stdio.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}

	rec := &CallRecord{ID: uuid.NewString(), Tool: req.Name, Arguments: req.Arguments, StartedAt: time.Now().UTC()}
	res, err := h.gw.CallTool(ctx, req.Name, req.Arguments, opts...)
	rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()

	user := userFrom(ctx).UserID()
	if err != nil {
		status, body := classify(err)
		rec.Status, rec.Error = statusError, body
		h.persist(ctx, user, rec)
		h.log.InfoContext(ctx, "http.tools.call.fail", slog.Int("status", status), slog.String("err", err.Error()))
		writeError(w, status, body)
		return
	}

	rec.Status, rec.Result = statusOK, res
	h.persist(ctx, user, rec)

	out := callToolResponse{Success: true, ID: rec.ID, Result: res}
	if h.receipts != nil {
		if out.Receipt, err = h.receipts.Issue(rec.ID, user); err != nil {
			h.log.WarnContext(ctx, "receipt.issue.fail", slog.String("err", err.Error()))
		}
	}
	h.log.InfoContext(ctx, "http.tools.call.ok", slog.Int64("duration_ms", rec.DurationMs))
	writeJSON(w, http.StatusOK, out)
}

// persist journals rec. A journal failure never fails the call itself, and
// the write outlives a client that has already gone away.
func (h *Handler) persist(ctx context.Context, user string, rec *CallRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.record(ctx, user, rec); err != nil {
		h.log.WarnContext(ctx, "journal.write.fail", slog.String("call_id", rec.ID), slog.String("err", err.Error()))
	}
}

type callRecordResponse struct {
	Success bool        `json:"success"`
	Call    *CallRecord `json:"call"`
}

func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, &apiError{Kind: kindNotFound, Message: "call journal disabled"})
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	rec, err := h.lookup(ctx, userFrom(ctx).UserID(), id)
	if err != nil {
		h.log.ErrorContext(ctx, "journal.read.fail", slog.String("call_id", id), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, &apiError{Kind: kindInternal, Message: "journal unavailable"})
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, &apiError{Kind: kindNotFound, Message: "no such call: " + id})
		return
	}
	writeJSON(w, http.StatusOK, callRecordResponse{Success: true, Call: rec})
}

type callListResponse struct {
	Success bool          `json:"success"`
	Calls   []*CallRecord `json:"calls"`
}

func (h *Handler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, &apiError{Kind: kindNotFound, Message: "call journal disabled"})
		return
	}
	ctx := r.Context()
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, &apiError{Kind: kindBadRequest, Message: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	calls, err := h.recent(ctx, userFrom(ctx).UserID(), limit)
	if err != nil {
		h.log.ErrorContext(ctx, "journal.list.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, &apiError{Kind: kindInternal, Message: "journal unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, callListResponse{Success: true, Calls: calls})
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		writeError(w, http.StatusNotFound, &apiError{Kind: kindNotFound, Message: "receipts disabled"})
		return
	}
	ctx := r.Context()
	claims, err := h.receipts.Verify(r.PathValue("receipt"), h.journalTTL)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, receipt.ErrExpired) {
			status = http.StatusGone
		}
		h.log.InfoContext(ctx, "receipt.verify.fail", slog.String("err", err.Error()))
		writeError(w, status, &apiError{Kind: kindBadRequest, Message: err.Error()})
		return
	}
	rec, err := h.lookup(ctx, claims.Subject, claims.CallID)
	if err != nil {
		h.log.ErrorContext(ctx, "journal.read.fail", slog.String("call_id", claims.CallID), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, &apiError{Kind: kindInternal, Message: "journal unavailable"})
		return
	}
	if rec == nil {
		writeError(w, http.StatusGone, &apiError{Kind: kindNotFound, Message: "call record expired"})
		return
	}
	writeJSON(w, http.StatusOK, callRecordResponse{Success: true, Call: rec})
}

// Package httpapi exposes a stdio gateway over HTTP: tool listing and calls,
// an LLM-assisted chat endpoint, a per-user call journal and a server-sent
// event stream of the child's notifications.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-stdio-gateway/auth"
	"github.com/ggoodman/mcp-stdio-gateway/broker"
	"github.com/ggoodman/mcp-stdio-gateway/internal/logctx"
	"github.com/ggoodman/mcp-stdio-gateway/internal/receipt"
	"github.com/ggoodman/mcp-stdio-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-stdio-gateway/mcp"
	"github.com/ggoodman/mcp-stdio-gateway/stdio"
	"github.com/ggoodman/mcp-stdio-gateway/storage"
	"github.com/google/uuid"
)

// Gateway is the subset of *stdio.Gateway the handler uses.
type Gateway interface {
	State() stdio.SessionState
	ServerInfo() *mcp.InitializeResult
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args any, opts ...stdio.CallOption) (json.RawMessage, error)
}

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader = "Last-Event-ID"
	requestIDHeader   = "X-Request-Id"

	// NotificationsNamespace is the broker namespace child notifications are
	// published to.
	NotificationsNamespace = "notifications"

	defaultJournalTTL = time.Hour
	maxBodyBytes      = 1 << 20
)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAuthenticator guards every /api route except receipts. Without one,
// callers are anonymous.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// WithRequiredScopes names the scopes reported in insufficient_scope
// challenges.
func WithRequiredScopes(scopes ...string) Option {
	return func(h *Handler) { h.scopes = append([]string(nil), scopes...) }
}

// WithBroker enables GET /api/notifications.
func WithBroker(b broker.Broker) Option {
	return func(h *Handler) { h.broker = b }
}

// WithJournal records tool calls in s for ttl and enables the call lookup
// routes.
func WithJournal(s storage.Storage, ttl time.Duration) Option {
	return func(h *Handler) {
		h.journal = s
		if ttl > 0 {
			h.journalTTL = ttl
		}
	}
}

// WithReceipts signs a receipt for every journaled call and enables
// GET /api/receipts/{receipt}.
func WithReceipts(s *receipt.Signer) Option {
	return func(h *Handler) { h.receipts = s }
}

// WithGenerator enables POST /api/chat.
func WithGenerator(g Generator) Option {
	return func(h *Handler) { h.llm = g }
}

// WithChatTimeout bounds a whole chat exchange including both LLM round
// trips and the tool call.
func WithChatTimeout(d time.Duration) Option {
	return func(h *Handler) { h.chatTimeout = d }
}

// Handler serves the HTTP API.
type Handler struct {
	gw          Gateway
	log         *slog.Logger
	auth        auth.Authenticator
	realm       string
	scopes      []string
	broker      broker.Broker
	journal     storage.Storage
	journalTTL  time.Duration
	receipts    *receipt.Signer
	llm         Generator
	chatTimeout time.Duration
	prm         *wellknown.ProtectedResourceMetadata

	mux *http.ServeMux
}

// New builds a Handler for gw.
func New(gw Gateway, opts ...Option) (*Handler, error) {
	if gw == nil {
		return nil, errors.New("httpapi: gateway is required")
	}
	h := &Handler{gw: gw, log: slog.Default(), realm: "mcp-gateway", journalTTL: defaultJournalTTL}
	for _, opt := range opts {
		opt(h)
	}
	if h.auth == nil {
		h.auth = auth.Anonymous("")
	}
	if h.receipts != nil && h.journal == nil {
		return nil, errors.New("httpapi: receipts require a journal")
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleStatus)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/tools", h.authenticated(h.handleListTools))
	mux.HandleFunc("POST /api/tools/call", h.authenticated(h.handleCallTool))
	mux.HandleFunc("POST /api/chat", h.authenticated(h.handleChat))
	mux.HandleFunc("GET /api/calls", h.authenticated(h.handleListCalls))
	mux.HandleFunc("GET /api/calls/{id}", h.authenticated(h.handleGetCall))
	mux.HandleFunc("GET /api/receipts/{receipt}", h.handleGetReceipt)
	mux.HandleFunc("GET /api/notifications", h.authenticated(h.handleNotifications))
	if h.prm != nil {
		mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, h.handleGetResourceMetadata)
		mux.HandleFunc("OPTIONS "+wellknown.ProtectedResourcePath, h.handleOptionsResourceMetadata)
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

type userKey struct{}

// authenticated resolves the caller before next runs. Failures are answered
// with an RFC 6750 challenge.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tok, err := auth.BearerToken(r)
		if err == nil && tok == "" && !auth.IsAnonymous(h.auth) {
			h.log.InfoContext(ctx, "auth.check.missing")
			auth.NewAuthenticationRequired(h.realm).WithResourceMetadata(h.resourceMetadataURL()).Write(w)
			return
		}
		var ui auth.UserInfo
		if err == nil {
			ui, err = h.auth.CheckAuthentication(ctx, tok)
		}
		if err != nil {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			auth.ChallengeFor(err, h.realm, h.scopes).WithResourceMetadata(h.resourceMetadataURL()).Write(w)
			return
		}

		ctx = logctx.WithUserID(ctx, ui.UserID())
		ctx = context.WithValue(ctx, userKey{}, ui)
		next(w, r.WithContext(ctx))
	}
}

func userFrom(ctx context.Context) auth.UserInfo {
	ui, _ := ctx.Value(userKey{}).(auth.UserInfo)
	return ui
}

// decodeBody reads a JSON request body into v. It writes the error response
// itself and reports whether decoding succeeded.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
			writeError(w, http.StatusUnsupportedMediaType, &apiError{Kind: kindBadRequest, Message: "content-type must be application/json"})
			return false
		}
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, &apiError{Kind: kindBadRequest, Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

package httpapi

import (
	"net/http"

	"github.com/ggoodman/mcp-stdio-gateway/internal/wellknown"
)

// WithResourceMetadata serves doc at /.well-known/oauth-protected-resource
// and advertises it in authentication challenges.
func WithResourceMetadata(doc wellknown.ProtectedResourceMetadata) Option {
	return func(h *Handler) { h.prm = &doc }
}

func (h *Handler) handleOptionsResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	writeJSON(w, http.StatusOK, h.prm)
}

// resourceMetadataURL is the absolute URL of the metadata document, or "".
func (h *Handler) resourceMetadataURL() string {
	if h.prm == nil {
		return ""
	}
	return trimSlash(h.prm.Resource) + wellknown.ProtectedResourcePath
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

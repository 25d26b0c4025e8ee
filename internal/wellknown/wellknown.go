// Package wellknown holds the discovery documents the gateway serves under
// /.well-known/.
package wellknown

// ProtectedResourcePath is where RFC 9728 metadata is served for a resource
// at the origin root.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728). It tells a client which authorization server issues
// tokens for this gateway and which scopes it understands.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResource describes resource as protected by issuer. Only
// header-borne bearer tokens are accepted.
func NewProtectedResource(resource, issuer, jwksURI string, scopes []string) ProtectedResourceMetadata {
	doc := ProtectedResourceMetadata{
		Resource:               resource,
		JwksURI:                jwksURI,
		ScopesSupported:        append([]string(nil), scopes...),
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           "MCP stdio gateway",
	}
	if issuer != "" {
		doc.AuthorizationServers = []string{issuer}
	}
	return doc
}

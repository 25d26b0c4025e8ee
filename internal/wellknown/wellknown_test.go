package wellknown

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewProtectedResource(t *testing.T) {
	scopes := []string{"tools:call"}
	doc := NewProtectedResource("https://gw.example.com", "https://issuer.example.com", "", scopes)
	scopes[0] = "mutated"

	if doc.ScopesSupported[0] != "tools:call" {
		t.Fatalf("scopes should be copied, got %v", doc.ScopesSupported)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://issuer.example.com" {
		t.Fatalf("authorization servers = %v", doc.AuthorizationServers)
	}

	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "jwks_uri") {
		t.Fatalf("empty jwks_uri should be omitted: %s", b)
	}
	if !strings.Contains(string(b), `"bearer_methods_supported":["authorization_header"]`) {
		t.Fatalf("unexpected document: %s", b)
	}
}

func TestNewProtectedResourceWithoutIssuer(t *testing.T) {
	doc := NewProtectedResource("https://gw.example.com", "", "https://keys.example.com/jwks", nil)
	if doc.AuthorizationServers != nil {
		t.Fatalf("expected no authorization servers, got %v", doc.AuthorizationServers)
	}
	if doc.JwksURI != "https://keys.example.com/jwks" {
		t.Fatalf("jwks_uri = %q", doc.JwksURI)
	}
}

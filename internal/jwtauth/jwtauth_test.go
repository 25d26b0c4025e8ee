package jwtauth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// issuer is known only once the server is listening
		if m.issuer == "" {
			m.issuer = m.srv.URL
		}
		handler.ServeHTTP(w, r)
	}))
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp:read mcp:write",
	}
}

const testAud = "https://gateway.example.com/api"

func TestValidator_DiscoveryHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	v, err := New(t.Context(), baseConfig(oidc.issuer, testAud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	p, err := v.Validate(t.Context(), signToken(t, pk, kid, "at+jwt", baseClaims(oidc.issuer, testAud)))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Subject != "user-123" {
		t.Fatalf("subject = %q", p.Subject)
	}
	if len(p.Scopes) != 2 || p.Scopes[0] != "mcp:read" {
		t.Fatalf("scopes = %v", p.Scopes)
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := p.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "mcp:read mcp:write" {
		t.Fatalf("scope claim = %q", out.Scope)
	}
}

func TestValidator_StaticJWKS(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig("https://issuer.example.com", testAud)
	cfg.JWKSURL = oidc.issuer + oidc.jwksPath
	v, err := New(t.Context(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := v.Validate(t.Context(), signToken(t, pk, kid, "", baseClaims(cfg.Issuer, testAud))); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidator_DiscoveryWithoutJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer oidc.Close()

	if _, err := New(t.Context(), baseConfig(oidc.issuer, testAud)); err == nil {
		t.Fatalf("expected discovery error")
	}
}

func TestNew_RequiresIssuerAndAudience(t *testing.T) {
	if _, err := New(t.Context(), &Config{Audiences: []string{testAud}}); err == nil {
		t.Fatalf("expected issuer error")
	}
	if _, err := New(t.Context(), &Config{Issuer: "https://issuer.example.com"}); err == nil {
		t.Fatalf("expected audience error")
	}
	if _, err := New(t.Context(), nil); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestValidator_Rejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	otherKey, _, _ := genRSA(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		token  func() string
		want   error
	}{
		{
			name:  "Empty",
			token: func() string { return "" },
			want:  ErrUnauthorized,
		},
		{
			name: "AudienceMismatch",
			token: func() string {
				return signToken(t, pk, kid, "", baseClaims(oidc.issuer, "https://other.example.com"))
			},
			want: ErrUnauthorized,
		},
		{
			name: "IssuerMismatch",
			token: func() string {
				return signToken(t, pk, kid, "", baseClaims("https://evil.example.com", testAud))
			},
			want: ErrUnauthorized,
		},
		{
			name: "Expired",
			token: func() string {
				c := baseClaims(oidc.issuer, testAud)
				c["exp"] = time.Now().Add(-time.Minute).Unix()
				return signToken(t, pk, kid, "", c)
			},
			want: ErrUnauthorized,
		},
		{
			name: "WrongKey",
			token: func() string {
				return signToken(t, otherKey, kid, "", baseClaims(oidc.issuer, testAud))
			},
			want: ErrUnauthorized,
		},
		{
			name:   "InvalidTyp",
			mutate: func(c *Config) { c.RequireATJWT = true },
			token: func() string {
				return signToken(t, pk, kid, "JWT", baseClaims(oidc.issuer, testAud))
			},
			want: ErrUnauthorized,
		},
		{
			name:   "MissingScopeAll",
			mutate: func(c *Config) { c.RequiredScopes = []string{"mcp:read", "mcp:admin"} },
			token: func() string {
				return signToken(t, pk, kid, "", baseClaims(oidc.issuer, testAud))
			},
			want: ErrInsufficientScope,
		},
		{
			name: "MissingScopeAny",
			mutate: func(c *Config) {
				c.RequiredScopes = []string{"mcp:admin", "mcp:root"}
				c.ScopeModeAny = true
			},
			token: func() string {
				return signToken(t, pk, kid, "", baseClaims(oidc.issuer, testAud))
			},
			want: ErrInsufficientScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(oidc.issuer, testAud)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			v, err := New(t.Context(), cfg)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			if _, err := v.Validate(t.Context(), tt.token()); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidator_AudienceAndScopeVariants(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer, testAud)
	cfg.Audiences = append(cfg.Audiences, "https://alt.example.com")
	cfg.RequiredScopes = []string{"mcp:admin", "mcp:write"}
	cfg.ScopeModeAny = true
	v, err := New(t.Context(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c := baseClaims(oidc.issuer, testAud)
	c["aud"] = []string{"https://unrelated.example.com", "https://alt.example.com"}
	if _, err := v.Validate(t.Context(), signToken(t, pk, kid, "", c)); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := v.RequiredScopes(); len(got) != 2 {
		t.Fatalf("required scopes = %v", got)
	}
}

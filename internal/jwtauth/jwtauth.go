// Package jwtauth validates RFC 9068 style JWT access tokens against an
// issuer's JWKS, found either through OIDC discovery or configured directly.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the token failed signature, issuer, audience or
// time validation.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates a valid token that lacks the required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation.
type Config struct {
	Issuer string
	// Audiences lists every accepted "aud" value; a token needs one of them.
	Audiences      []string
	RequiredScopes []string
	// ScopeModeAny accepts any one of RequiredScopes instead of all.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
	// JWKSURL skips discovery when set.
	JWKSURL string
	// RequireATJWT enforces the "at+jwt" typ header.
	RequireATJWT bool
}

// DefaultConfig returns a Config with RS256 and a one minute leeway.
func DefaultConfig() *Config {
	return &Config{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

// Principal is the validated subject of a token.
type Principal struct {
	Subject string
	Scopes  []string
	claims  jwt.MapClaims
}

// Claims decodes the token's claims into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Validator checks bearer tokens.
type Validator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// New builds a Validator. Without cfg.JWKSURL it performs OIDC discovery on
// cfg.Issuer to locate the key set. Keys are refreshed in the background
// until ctx is done.
func New(ctx context.Context, cfg *Config) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("jwtauth: config is required")
	}
	c := *cfg
	if c.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	if len(c.Audiences) == 0 {
		return nil, errors.New("jwtauth: at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}

	jwksURL := c.JWKSURL
	if jwksURL == "" {
		var err error
		if jwksURL, err = discoverJWKS(ctx, c.Issuer); err != nil {
			return nil, err
		}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: jwks init: %w", err)
	}
	return &Validator{cfg: c, keyfunc: kf.Keyfunc}, nil
}

func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("jwtauth: oidc discovery: %w", err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("jwtauth: discovery metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", errors.New("jwtauth: discovery metadata has no jwks_uri")
	}
	return meta.JWKSURI, nil
}

// Validate verifies tok and returns its principal.
func (v *Validator) Validate(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuedAt(),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireATJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: typ must be at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	scopeStr, _ := claims["scope"].(string)
	scopes := strings.Fields(scopeStr)
	if !v.scopesSatisfied(scopes) {
		return nil, fmt.Errorf("%w: need %s", ErrInsufficientScope, strings.Join(v.cfg.RequiredScopes, " "))
	}

	return &Principal{Subject: sub, Scopes: scopes, claims: claims}, nil
}

func (v *Validator) scopesSatisfied(have []string) bool {
	if len(v.cfg.RequiredScopes) == 0 {
		return true
	}
	if v.cfg.ScopeModeAny {
		return slices.ContainsFunc(v.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

// RequiredScopes returns the configured scope policy for challenges.
func (v *Validator) RequiredScopes() []string {
	return slices.Clone(v.cfg.RequiredScopes)
}

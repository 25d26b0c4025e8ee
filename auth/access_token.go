package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-stdio-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, key source).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithJWKSURL fetches keys from url instead of discovering them.
func WithJWKSURL(url string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.JWKSURL = url }
}

// WithAdditionalAudiences accepts tokens minted for any of auds as well.
func WithAdditionalAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Audiences = append(c.Audiences, auds...) }
}

// WithRequireATJWT rejects tokens whose typ header is not at+jwt.
func WithRequireATJWT() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireATJWT = true }
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens issued by issuer for audience. Keys are located through OpenID
// Connect discovery unless WithJWKSURL is given.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

type validator interface {
	Validate(ctx context.Context, tok string) (*jwtauth.Principal, error)
}

// adapter maps jwtauth results onto the public interface.
type adapter struct {
	v validator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := ad.v.Validate(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return principal{p}, nil
}

type principal struct{ p *jwtauth.Principal }

func (u principal) UserID() string       { return u.p.Subject }
func (u principal) Claims(ref any) error { return u.p.Claims(ref) }

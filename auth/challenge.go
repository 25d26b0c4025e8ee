package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMalformedAuthorization is returned by BearerToken for an Authorization
// header that is present but not a bearer credential.
var ErrMalformedAuthorization = errors.New("malformed authorization header")

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// Write sets the challenge header and status on w.
func (c *AuthenticationChallenge) Write(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	w.WriteHeader(c.Status)
}

// BearerToken extracts the bearer token from r. It returns "" and no error
// when the request carries no Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", ErrMalformedAuthorization
	}
	return strings.TrimSpace(tok), nil
}

// NewAuthenticationRequired builds a challenge indicating credentials are required.
func NewAuthenticationRequired(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_request", error_description="Invalid Authorization header"`, realm),
	}
}

// NewInvalidToken builds a challenge indicating the token is invalid.
func NewInvalidToken(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm),
	}
}

// NewInsufficientScope builds a challenge indicating missing required scope.
func NewInsufficientScope(realm string, scopes []string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope", scope=%q`, realm, strings.Join(scopes, " ")),
	}
}

// ChallengeFor maps an error from CheckAuthentication or BearerToken to the
// challenge a client should see.
func ChallengeFor(err error, realm string, scopes []string) *AuthenticationChallenge {
	switch {
	case errors.Is(err, ErrMalformedAuthorization):
		return NewInvalidAuthorizationHeader(realm)
	case errors.Is(err, ErrInsufficientScope):
		return NewInsufficientScope(realm, scopes)
	default:
		return NewInvalidToken(realm)
	}
}

// WithResourceMetadata appends the RFC 9728 resource_metadata parameter
// pointing clients at the protected resource metadata document. An empty url
// leaves the challenge unchanged.
func (c *AuthenticationChallenge) WithResourceMetadata(url string) *AuthenticationChallenge {
	if url != "" {
		c.WWWAuthenticate += fmt.Sprintf(`, resource_metadata=%q`, url)
	}
	return c
}

// Package auth guards the gateway's HTTP surface with bearer token
// authentication. An Authenticator validates a token string and returns a
// UserInfo; the HTTP layer extracts the token with BearerToken and turns
// failures into RFC 6750 challenges with ChallengeFor.
//
// NewFromDiscovery validates RFC 9068 access tokens against an external
// OAuth 2.0 / OIDC issuer:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://gateway.example/api",
//	    auth.WithRequiredScopes("tools:call"),
//	)
//
// When no issuer is configured, Anonymous admits every caller under a fixed
// user id so journal entries still have an owner.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth

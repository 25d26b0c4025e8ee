package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Anonymous returns an Authenticator that accepts every request, including
// ones without a token, as userID. It is used when no issuer is configured.
func Anonymous(userID string) Authenticator {
	if userID == "" {
		userID = "anonymous"
	}
	return anonymous{user: anonymousUser(userID)}
}

type anonymous struct{ user anonymousUser }

func (a anonymous) CheckAuthentication(context.Context, string) (UserInfo, error) {
	return a.user, nil
}

type anonymousUser string

func (u anonymousUser) UserID() string     { return string(u) }
func (anonymousUser) Claims(ref any) error { return nil }

// IsAnonymous reports whether a was built by Anonymous.
func IsAnonymous(a Authenticator) bool {
	_, ok := a.(anonymous)
	return ok
}

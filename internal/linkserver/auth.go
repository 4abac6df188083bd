package linkserver

import (
	"context"
	"errors"
	"strings"
)

// ErrBadToken indicates the bearer token maps to no known user.
var ErrBadToken = errors.New("unknown or missing token")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// StaticAuthenticator maps fixed tokens to user ids. It backs local runs and
// tests; a production deployment authenticates against the identity provider.
type StaticAuthenticator map[string]string

// Authenticate implements Authenticator.
func (a StaticAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	userID, ok := a[strings.TrimSpace(token)]
	if !ok || userID == "" {
		return "", ErrBadToken
	}
	return userID, nil
}

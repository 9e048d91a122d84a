// Package auth supplies bearer tokens for the connection handshake.
package auth

import (
	"context"
	"fmt"
	"os"
)

// TokenSource yields a bearer token to present when dialing. It is consulted
// on every connect and reconnect, so implementations may rotate tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

// StaticToken returns a TokenSource that always yields the same token.
func StaticToken(token string) TokenSource {
	return staticTokenSource{token: token}
}

func (s staticTokenSource) Token(context.Context) (string, error) {
	return s.token, nil
}

type envTokenSource struct {
	key string
}

// EnvToken reads the token from the named environment variable on each call.
func EnvToken(key string) TokenSource {
	return envTokenSource{key: key}
}

func (s envTokenSource) Token(context.Context) (string, error) {
	v, ok := os.LookupEnv(s.key)
	if !ok || v == "" {
		return "", fmt.Errorf("auth: environment variable %s is not set", s.key)
	}
	return v, nil
}

// Package identity resolves the current viewer's username.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoIdentity = errors.New("identity: no username in token")

// FromToken returns the username carried by a session token. The signature
// is not checked; the server does that on every request, the client only
// needs the name to compare against event actors.
func FromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}
	for _, name := range []string{"username", "preferred_username", "sub"} {
		if v, ok := claims[name].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrNoIdentity
}

// Resolve prefers an explicit username and falls back to the token.
func Resolve(username, token string) (string, error) {
	if username != "" {
		return username, nil
	}
	if token == "" {
		return "", ErrNoIdentity
	}
	return FromToken(token)
}

// Package auth verifies the bearer tokens agents present to the relay.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ascapdx/callcore/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is what a verified token says about its holder.
type Identity struct {
	// Handle is the user handle the connection may register as.
	Handle string
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

// NewVerifier returns nil for config.AuthModeNone: the relay then trusts the
// handle announced in register.
func NewVerifier(cfg config.Relay) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter for clients that cannot set
// headers on a websocket upgrade.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// Package auth verifies the credential a coordinator presents on the
// signaling handshake. Token issuance lives elsewhere (the portal backend);
// the relay only checks what it is handed and, in JWT mode, extracts the
// authenticated identity from the claims.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/classmeet/classmeet/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Identity is what a verified credential says about the participant. Zero
// fields mean the credential carries no identity (api_key mode) and the join
// payload is trusted instead.
type Identity struct {
	Subject     string
	DisplayName string
	Role        string
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the handshake credential from websocket query
// parameters (?apiKey= or ?token= depending on mode).
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) (Identity, error) { return Identity{}, nil }

package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// base64url-no-pad encoding of a 32-byte HMAC-SHA256 signature.
	hmacSHA256SigLen    = 32
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
)

// JWTVerifier checks HS256 tokens minted by the portal backend. Required
// claims: sub (stable participant id), name, role, exp, iat. nbf is honored
// when present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) (Identity, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Identity{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims struct {
		Sub  string      `json:"sub"`
		Name string      `json:"name"`
		Role string      `json:"role"`
		Exp  json.Number `json:"exp"`
		Iat  json.Number `json:"iat"`
		Nbf  json.Number `json:"nbf"`
	}
	if err := dec.Decode(&claims); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	// The payload must be exactly one JSON object; json.Decoder tolerates
	// trailing bytes on its own.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Identity{}, ErrInvalidCredentials
	}

	if claims.Sub == "" || claims.Name == "" || claims.Role == "" {
		return Identity{}, ErrInvalidCredentials
	}

	now := v.now().Unix()
	exp, err := claims.Exp.Int64()
	if err != nil || now >= exp {
		return Identity{}, ErrInvalidCredentials
	}
	if _, err := claims.Iat.Int64(); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.Nbf != "" {
		nbf, err := claims.Nbf.Int64()
		if err != nil || now < nbf {
			return Identity{}, ErrInvalidCredentials
		}
	}

	return Identity{
		Subject:     claims.Sub,
		DisplayName: claims.Name,
		Role:        claims.Role,
	}, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if len(token) > maxJWTHeaderB64Len+1+maxJWTPayloadB64Len+1+hmacSHA256SigB64Len {
		return "", "", "", false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	headerB64, payloadB64, sigB64 = parts[0], parts[1], parts[2]
	if headerB64 == "" || payloadB64 == "" || len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	for _, part := range parts {
		if !isBase64urlNoPad(part) {
			return "", "", "", false
		}
	}
	return headerB64, payloadB64, sigB64, true
}

func isBase64urlNoPad(raw string) bool {
	if raw == "" || len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9', b == '-', b == '_':
		default:
			return false
		}
	}
	return true
}

// MintHS256 issues a token with the given claims. It exists for tests and the
// portal's own tooling; the relay itself never mints.
func MintHS256(secret string, claims map[string]any) (string, error) {
	headerJSON := []byte(`{"alg":"HS256","typ":"JWT"}`)
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + payloadB64 + "." + sigB64, nil
}

// Package auth verifies bearer credentials issued by the external identity
// provider. The only contract with that provider is a shared HMAC secret and
// a userId claim; credential issuance itself happens elsewhere.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized reports a missing, malformed, expired, or otherwise
// unverifiable credential. Connections failing verification are refused
// before any registry state is touched.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Verifier turns a bearer credential into a verified user identity.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier validates HS256-signed tokens against the shared secret from
// the identity provider.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token and extracts the userId claim.
func (v *JWTVerifier) Verify(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: no token provided", ErrUnauthorized)
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}

	userID, _ := claims["userId"].(string)
	if userID == "" {
		return "", fmt.Errorf("%w: token carries no userId", ErrUnauthorized)
	}
	return userID, nil
}

// Package server verifies the signed credential each client presents at
// connection time. This is the sole authentication checkpoint: the identity
// recovered here is bound to the connection for its whole lifetime.
package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialVerifier validates HS256-signed tokens against a shared secret
// and extracts the identity claim.
type CredentialVerifier struct {
	secret []byte
}

// NewCredentialVerifier creates a verifier for the given shared secret.
func NewCredentialVerifier(secret string) *CredentialVerifier {
	return &CredentialVerifier{secret: []byte(secret)}
}

// Verify checks the credential and returns the embedded identity. A missing
// credential, bad signature, expired token, or absent identity claim all
// fail with ErrAuthentication.
func (v *CredentialVerifier) Verify(credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing credential", ErrAuthentication)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: no identity claim", ErrAuthentication)
	}

	return claims.Subject, nil
}

// Sign issues a credential for the given identity. The relay itself does not
// issue tokens in production; this exists for local development and tests.
func (v *CredentialVerifier) Sign(identity string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	return token.SignedString(v.secret)
}

// Package auth issues and verifies the signed connect tokens used by the
// realtime layer. Credential issuance (signup, password checks) lives in an
// external service; this package only covers the token contract the sync
// core depends on.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"beacon/api/internal/rbac"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Identity is the verified caller behind a token.
type Identity struct {
	UserID      string
	Name        string
	WorkspaceID string
	Role        rbac.Role
}

// Verifier resolves a bearer token to an identity. The WebSocket registry
// receives one of these at wiring time instead of owning auth itself.
type Verifier func(token string) (Identity, error)

type claims struct {
	Name      string `json:"name"`
	Workspace string `json:"ws"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for the identity.
func IssueToken(secret []byte, identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:      identity.Name,
		Workspace: identity.WorkspaceID,
		Role:      string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature and expiry and returns the identity.
func ParseToken(secret []byte, tokenString string) (Identity, error) {
	var parsed claims
	token, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !token.Valid || parsed.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:      parsed.Subject,
		Name:        parsed.Name,
		WorkspaceID: parsed.Workspace,
		Role:        rbac.Normalize(parsed.Role),
	}, nil
}

// NewVerifier binds a secret into a Verifier.
func NewVerifier(secret []byte) Verifier {
	return func(token string) (Identity, error) {
		return ParseToken(secret, token)
	}
}

// HashToken derives the storage key for a token-like value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

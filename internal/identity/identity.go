// Package identity derives the session identity from the client's access
// token. The token is parsed without signature verification: the client did
// not issue it and only needs the claims to scope its push connection; the
// server remains the verifier on every call.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity describes the authenticated session the sync client acts for.
type Identity struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// FromToken extracts the session identity from a bearer token.
func FromToken(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("identity: token is required")
	}

	claims := &tokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("identity: parse token: %w", err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return nil, fmt.Errorf("identity: token carries no user id")
	}

	id := &Identity{
		UserID: userID,
		Role:   strings.TrimSpace(claims.Role),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Expired reports whether the token expiry has passed. A zero expiry is
// treated as non-expiring.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

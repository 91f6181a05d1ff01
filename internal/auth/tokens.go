// Package auth issues and validates the short-lived, project-scoped
// credentials required for blob uploads. Credential issuance for users
// (login, OAuth) is outside this system; callers arrive with whatever
// transport-level auth the deployment fronts the server with.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a blob token.
const DefaultTTL = 15 * time.Minute

// BlobClaims holds the claims of a project-scoped blob token.
type BlobClaims struct {
	ProjectID string `json:"project_id"`
	jwt.RegisteredClaims
}

// Tokens issues and validates blob tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// New creates a token issuer. ttl <= 0 selects DefaultTTL.
func New(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

// IssueBlobToken creates a signed token scoped to one project.
func (t *Tokens) IssueBlobToken(projectID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(t.ttl)

	claims := &BlobClaims{
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Subject:   projectID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign blob token: %w", err)
	}
	return signed, expires, nil
}

// ValidateBlobToken checks the signature, expiry, and project scope.
func (t *Tokens) ValidateBlobToken(tokenStr, projectID string) error {
	claims := &BlobClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse blob token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid blob token")
	}
	if claims.ProjectID != projectID {
		return fmt.Errorf("blob token not scoped to project %s", projectID)
	}
	return nil
}

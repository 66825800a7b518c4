// Package auth is the gateway's boundary to the external identity
// service. Token issuance lives elsewhere; the gateway only verifies
// bearer credentials and resolves them to a stable user id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier resolves an opaque bearer credential to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// JWT verifies HS256 tokens minted by the identity service.
type JWT struct {
	secret []byte
	issuer string
}

func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a token and returns its subject claim.
func (j *JWT) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if !token.Valid {
		return "", errors.New("internal/auth: token is invalid")
	}

	if claims.Subject == "" {
		return "", errors.New("internal/auth: subject claim is missing")
	}

	return claims.Subject, nil
}

// Make signs a token for userID. The identity service is the normal
// issuer; this exists for local tooling and tests.
func (j *JWT) Make(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    j.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})

	return token.SignedString(j.secret)
}

// Package auth verifies bearer tokens issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier checks HS256 tokens whose subject is the user id.
type Verifier struct {
	key    []byte
	issuer string
	leeway time.Duration
}

var _ core.IdentityVerifier = (*Verifier)(nil)

func NewVerifier(secret, issuer string, leeway time.Duration) *Verifier {
	return &Verifier{key: []byte(secret), issuer: issuer, leeway: leeway}
}

func (v *Verifier) Verify(_ context.Context, token string) (domain.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid := domain.UserID(claims.Subject)
	if err := uid.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return uid, nil
}

// Issue signs a token for uid. Production tokens come from the identity
// provider; this is used by tests and the dev client.
func Issue(secret, issuer string, uid domain.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(uid),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

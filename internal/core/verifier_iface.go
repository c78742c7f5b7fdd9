package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
)

// IdentityVerifier turns a bearer token into a user id.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

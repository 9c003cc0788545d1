// Package identity exposes read-only access to the user directory. Flowline
// consumes users from an external identity provider; account management is
// not its concern, so the directory surface is lookups only.
package identity

import (
	"context"

	"github.com/pitabwire/flowline/model"
)

// Directory looks up users by ID or email.
type Directory interface {
	// Get retrieves a user by ID. Returns USER_NOT_FOUND if absent.
	Get(ctx context.Context, userID string) (model.User, error)

	// GetByEmail retrieves a user by email. Returns USER_NOT_FOUND if absent.
	GetByEmail(ctx context.Context, email string) (model.User, error)

	// List returns all active users.
	List(ctx context.Context) ([]model.User, error)
}

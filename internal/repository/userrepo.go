// Package repository defines the remote API and local persistence interfaces used by services.
package repository

import (
	"context"

	"github.com/and161185/tasktracker/internal/model"
)

// UserRepository provides account operations of the remote API.
type UserRepository interface {
	// Register creates a new account.
	Register(ctx context.Context, u model.NewUser) (*model.User, error)
	// Login exchanges credentials for a bearer token.
	Login(ctx context.Context, c model.Credentials) (*model.Token, error)
	// Me loads the profile of the bearer token's owner.
	Me(ctx context.Context) (*model.User, error)
}

// Package repository is the storage layer. Each concern is an interface with
// one or more implementations (sqlite_*, memory_*, redis_*); services depend
// only on the interfaces.
package repository

import (
	"context"

	"github.com/akinalp/medicall/models"
)

// UserRepository stores accounts.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	// GetByIDs returns the users that exist among ids, in no particular order.
	GetByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

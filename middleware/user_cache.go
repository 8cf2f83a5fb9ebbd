package middleware

import (
	"context"
	"time"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg/cache"
)

// CachedUserLookup keeps recently seen users in memory so authenticated
// requests do not each hit the database. Lookup failures are not cached.
type CachedUserLookup struct {
	next  UserLookup
	users *cache.TTLCache[string, models.User]
}

// NewCachedUserLookup wraps next. A deleted account keeps passing auth for
// at most ttl.
func NewCachedUserLookup(next UserLookup, ttl time.Duration) *CachedUserLookup {
	return &CachedUserLookup{
		next:  next,
		users: cache.New[string, models.User](ttl, 2*ttl),
	}
}

// GetByID returns a copy, so callers may modify it freely.
func (c *CachedUserLookup) GetByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := c.users.Get(id); ok {
		return &u, nil
	}
	u, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.users.Set(id, *u)
	copied := *u
	return &copied, nil
}

// Close stops the cache sweep.
func (c *CachedUserLookup) Close() {
	c.users.Close()
}

package repository

import (
	"context"
	"time"
)

// PresenceStore records the last heartbeat per user. The presence service
// sweeps it for users whose heartbeat is older than the timeout.
type PresenceStore interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	Remove(ctx context.Context, userID string) error
	// Stale returns users whose last heartbeat is before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]string, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/akinalp/medicall/database"
)

type sqliteReadStateRepo struct {
	db database.TxQuerier
}

// NewSQLiteReadStateRepo returns a ReadStateRepository backed by SQLite.
func NewSQLiteReadStateRepo(db database.TxQuerier) ReadStateRepository {
	return &sqliteReadStateRepo{db: db}
}

// MarkRead only ever moves the read mark forward.
func (r *sqliteReadStateRepo) MarkRead(ctx context.Context, userID, peerID string, at time.Time) error {
	query := `
		INSERT INTO read_states (user_id, peer_id, last_read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, peer_id) DO UPDATE SET
			last_read_at = MAX(last_read_at, excluded.last_read_at)`

	if _, err := r.db.ExecContext(ctx, query, userID, peerID, at.UTC()); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

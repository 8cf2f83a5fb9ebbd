package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akinalp/medicall/database"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
)

// Conversation order is insertion order, which is the implicit rowid.
const messageColumns = `m.id, m.sender_id, m.receiver_id, m.content, m.kind, m.client_key, m.created_at`

// pairFilter matches both directions of a conversation. Args: a, b, b, a.
const pairFilter = `((m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?))`

const notHidden = `NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.user_id = ? AND h.message_id = m.id)`

type sqliteMessageRepo struct {
	db database.TxQuerier
}

// NewSQLiteMessageRepo returns a MessageRepository backed by SQLite.
func NewSQLiteMessageRepo(db database.TxQuerier) MessageRepository {
	return &sqliteMessageRepo{db: db}
}

func (r *sqliteMessageRepo) Create(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, kind, client_key, created_at)
		VALUES (lower(hex(randomblob(8))), ?, ?, ?, ?, ?, ?)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		msg.SenderID, msg.ReceiverID, msg.Content, msg.Kind, msg.ClientKey, msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate client key", pkg.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *sqliteMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = ?`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", pkg.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (r *sqliteMessageRepo) GetByClientKey(ctx context.Context, senderID, clientKey string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.sender_id = ? AND m.client_key = ?`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, senderID, clientKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message with client key %s", pkg.ErrNotFound, clientKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by client key: %w", err)
	}
	return msg, nil
}

func (r *sqliteMessageRepo) ListConversation(ctx context.Context, userID, peerID, beforeID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
		WHERE ` + pairFilter + ` AND ` + notHidden
	args := []any{userID, peerID, peerID, userID, userID}

	if beforeID != "" {
		query += ` AND m.rowid < (SELECT rowid FROM messages WHERE id = ?)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY m.rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (r *sqliteMessageRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %s", pkg.ErrNotFound, id)
	}
	return nil
}

func (r *sqliteMessageRepo) Hide(ctx context.Context, userID, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_hides (user_id, message_id) VALUES (?, ?)`,
		userID, messageID)
	if err != nil {
		return fmt.Errorf("failed to hide message: %w", err)
	}
	return nil
}

func (r *sqliteMessageRepo) HideConversation(ctx context.Context, userID, peerID string) (int64, error) {
	query := `
		INSERT OR IGNORE INTO message_hides (user_id, message_id)
		SELECT ?, m.id FROM messages m WHERE ` + pairFilter

	result, err := r.db.ExecContext(ctx, query, userID, userID, peerID, peerID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to hide conversation: %w", err)
	}
	return result.RowsAffected()
}

func (r *sqliteMessageRepo) DeleteConversation(ctx context.Context, userID, peerID string) (int64, error) {
	query := `DELETE FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`

	result, err := r.db.ExecContext(ctx, query, userID, peerID, peerID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation: %w", err)
	}
	return result.RowsAffected()
}

func (r *sqliteMessageRepo) ListContacts(ctx context.Context, userID string) ([]ContactSummary, error) {
	// visible: every message userID can still see, tagged with the peer.
	// latest: the newest visible message per peer.
	// unread: peer-sent messages newer than userID's read mark.
	query := `
		WITH visible AS (
			SELECT m.rowid AS seq, m.id, m.sender_id, m.created_at,
				CASE WHEN m.sender_id = ? THEN m.receiver_id ELSE m.sender_id END AS peer_id
			FROM messages m
			WHERE (m.sender_id = ? OR m.receiver_id = ?)
				AND NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.user_id = ? AND h.message_id = m.id)
		),
		latest AS (
			SELECT peer_id, MAX(seq) AS seq FROM visible GROUP BY peer_id
		)
		SELECT v.peer_id, ` + messageColumns + `,
			(SELECT COUNT(*) FROM visible u
				LEFT JOIN read_states rs ON rs.user_id = ? AND rs.peer_id = u.peer_id
				WHERE u.peer_id = v.peer_id
					AND u.sender_id = u.peer_id
					AND (rs.last_read_at IS NULL OR u.created_at > rs.last_read_at)) AS unread
		FROM visible v
		JOIN latest l ON l.peer_id = v.peer_id AND l.seq = v.seq
		JOIN messages m ON m.id = v.id
		ORDER BY v.seq DESC`

	rows, err := r.db.QueryContext(ctx, query, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var summaries []ContactSummary
	for rows.Next() {
		var s ContactSummary
		m := &s.LastMessage
		if err := rows.Scan(
			&s.PeerID, &m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Kind, &m.ClientKey, &m.CreatedAt,
			&s.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Kind, &msg.ClientKey, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

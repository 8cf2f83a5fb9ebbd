package repository

import (
	"context"
	"time"

	"github.com/akinalp/medicall/models"
)

// ContactSummary is one row of the per-peer conversation rollup.
type ContactSummary struct {
	PeerID      string
	LastMessage models.Message
	UnreadCount int
}

// MessageRepository stores chat messages and per-user visibility.
//
// Every read is from the point of view of one user: messages that user hid
// (delete or clear "for me") never come back.
type MessageRepository interface {
	// Create inserts msg and fills ID. A repeated (sender, client key) pair
	// returns pkg.ErrAlreadyExists.
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetByClientKey(ctx context.Context, senderID, clientKey string) (*models.Message, error)

	// ListConversation returns up to limit messages visible to userID in the
	// conversation with peerID, newest first. A non-empty beforeID pages
	// backwards from that message.
	ListConversation(ctx context.Context, userID, peerID, beforeID string, limit int) ([]models.Message, error)

	Delete(ctx context.Context, id string) error
	Hide(ctx context.Context, userID, messageID string) error
	HideConversation(ctx context.Context, userID, peerID string) (int64, error)
	DeleteConversation(ctx context.Context, userID, peerID string) (int64, error)

	// ListContacts returns one summary per peer userID has a visible message
	// with, most recent activity first.
	ListContacts(ctx context.Context, userID string) ([]ContactSummary, error)
}

// ReadStateRepository remembers when a user last read each conversation.
type ReadStateRepository interface {
	MarkRead(ctx context.Context, userID, peerID string, at time.Time) error
}

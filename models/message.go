package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageKind is the content type of a chat message.
type MessageKind string

const (
	MessageKindText    MessageKind = "text"
	MessageKindImage   MessageKind = "image"
	MessageKindFile    MessageKind = "file"
	MessageKindCallLog MessageKind = "call-log"
)

// DeleteScope says who a delete or clear applies to.
type DeleteScope string

const (
	// DeleteScopeMe hides the message for the requester only.
	DeleteScopeMe DeleteScope = "me"
	// DeleteScopeEveryone removes the message for both parties.
	DeleteScopeEveryone DeleteScope = "everyone"
)

// Valid reports whether s is a known scope.
func (s DeleteScope) Valid() bool {
	return s == DeleteScopeMe || s == DeleteScopeEveryone
}

// MaxMessageLength caps text content in runes.
const MaxMessageLength = 2000

// Message is one unit of chat content between exactly two users.
//
// ClientKey is the sender's idempotency key. It is echoed back on the
// message_sent ack so the sender can swap its provisional entry for this one.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	ClientKey  *string     `json:"client_key,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PeerOf returns the other participant from userID's point of view.
func (m *Message) PeerOf(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// SendMessageRequest is the send_message payload after the sender is known.
type SendMessageRequest struct {
	ReceiverID string      `json:"receiver_id" validate:"required"`
	Content    string      `json:"content" validate:"required"`
	Kind       MessageKind `json:"kind" validate:"omitempty,oneof=text image file"`
	ClientKey  string      `json:"client_key" validate:"max=64"`
}

// Validate trims content, defaults kind to text and enforces the length cap.
// call-log messages are produced by the server and are rejected here.
func (r *SendMessageRequest) Validate() error {
	r.Content = strings.TrimSpace(r.Content)
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.Kind == "" {
		r.Kind = MessageKindText
	}
	if utf8.RuneCountInString(r.Content) > MaxMessageLength {
		return fmt.Errorf("content must be at most %d characters", MaxMessageLength)
	}
	return nil
}

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// Contact is the per-peer conversation summary. It is derived on read and
// never stored.
type Contact struct {
	User           *User     `json:"user"`
	LastMessage    *Message  `json:"last_message"`
	UnreadCount    int       `json:"unread_count"`
	Online         bool      `json:"online"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Package ws is the coordinator side of the transport channel: one
// authenticated WebSocket per client session, multiplexing presence,
// call signaling and chat events.
//
//   - Hub: every live connection, grouped by user id
//   - Client: one connection with its read and write pumps
//   - Event: the frame format shared with the client SDK
//
// Inbound frames are dispatched to callbacks wired in package main, so ws
// never imports the service layer.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/akinalp/medicall/models"
)

// Event is an outbound frame. Seq increases per hub and is only set on
// server to client frames.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// RawEvent is an inbound frame whose payload is decoded lazily by the
// handler that owns the op.
type RawEvent struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// Decode unmarshals the payload into v.
func (e RawEvent) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("op %s: empty payload", e.Op)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("op %s: %w", e.Op, err)
	}
	return nil
}

// ────────────────────────────────────────────
// Ops
// ────────────────────────────────────────────

// Presence
const (
	OpHeartbeat    = "heartbeat"     // c→s, every heartbeat interval
	OpHeartbeatAck = "heartbeat_ack" // s→c
	OpReady        = "ready"         // s→c, first frame after connect
	OpUserOnline   = "user_online"   // s→c
	OpUserOffline  = "user_offline"  // s→c
)

// Call signaling. call_user and call_accepted travel in both directions.
const (
	OpCallUser     = "call_user"
	OpCallRinging  = "call_ringing" // s→c, tells the caller its call id
	OpCallAccepted = "call_accepted"
	OpCallDecline  = "call_decline" // c→s
	OpCallEnd      = "call_end"     // c→s
	OpCallEnded    = "call_ended"   // s→c
	OpICECandidate = "ice_candidate"
)

// Chat
const (
	OpSendMessage    = "send_message"    // c→s
	OpMessageSent    = "message_sent"    // s→c, ack to the sender's sessions
	OpReceiveMessage = "receive_message" // s→c, delivery to the receiver
	OpMessageFailed  = "message_failed"  // s→c
	OpDeleteMessage  = "delete_message"  // c→s
	OpMessageDeleted = "message_deleted" // s→c
	OpClearChat      = "clear_chat"      // c→s
	OpChatCleared    = "chat_cleared"    // s→c
	OpMarkRead       = "mark_read"       // c→s
)

// ─── Presence payloads ───

// ReadyData is the payload of the first frame a new connection receives.
type ReadyData struct {
	UserID              string   `json:"user_id"`
	OnlineUserIDs       []string `json:"online_user_ids"`
	HeartbeatIntervalMs int64    `json:"heartbeat_interval_ms"`
}

// PresenceData is the payload of user_online and user_offline.
type PresenceData struct {
	UserID string `json:"user_id"`
}

// ─── Call payloads ───
//
// Session descriptions and candidates are relayed as opaque JSON; the
// coordinator never parses SDP.

// CallUserData is what the caller sends to originate a call.
type CallUserData struct {
	To          string           `json:"to"`
	Offer       json.RawMessage  `json:"offer"`
	MediaKind   models.MediaKind `json:"media_kind"`
	DisplayName string           `json:"display_name,omitempty"`
}

// IncomingCallData is call_user as delivered to the callee.
type IncomingCallData struct {
	CallID      string           `json:"call_id"`
	From        string           `json:"from"`
	DisplayName string           `json:"display_name"`
	Offer       json.RawMessage  `json:"offer"`
	MediaKind   models.MediaKind `json:"media_kind"`
}

// CallRingingData tells the caller which call id the coordinator assigned.
type CallRingingData struct {
	CallID string `json:"call_id"`
	To     string `json:"to"`
}

// CallAcceptedData carries the callee's answer. From is set by the
// coordinator when relaying.
type CallAcceptedData struct {
	CallID string          `json:"call_id"`
	From   string          `json:"from,omitempty"`
	Answer json.RawMessage `json:"answer"`
}

// CallDeclineData is sent by the callee to refuse a ringing call.
type CallDeclineData struct {
	CallID string `json:"call_id"`
}

// CallEndData is sent by either party to end a call. Reason is optional and
// defaults to hangup; clients use "failed" after a negotiation error.
type CallEndData struct {
	CallID string           `json:"call_id"`
	Reason models.EndReason `json:"reason,omitempty"`
}

// CallEndedData tells both parties a call is over and why. CallID is empty
// when a call was refused before an id existed (busy, offline).
type CallEndedData struct {
	CallID string           `json:"call_id"`
	Peer   string           `json:"peer,omitempty"`
	Reason models.EndReason `json:"reason"`
}

// ICECandidateData relays one network candidate. From is set by the
// coordinator.
type ICECandidateData struct {
	To        string          `json:"to"`
	From      string          `json:"from,omitempty"`
	CallID    string          `json:"call_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// ─── Chat payloads ───

// SendMessageData is send_message. ClientKey is the sender's idempotency key.
type SendMessageData struct {
	ReceiverID string             `json:"receiver_id"`
	Content    string             `json:"content"`
	Kind       models.MessageKind `json:"kind"`
	ClientKey  string             `json:"client_key"`
}

// MessageFailedData tells the sender a send was rejected and will not be
// persisted. RetryAfter is in seconds and only set when rate limited.
type MessageFailedData struct {
	ClientKey  string `json:"client_key"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// DeleteMessageData is delete_message.
type DeleteMessageData struct {
	MessageID  string             `json:"message_id"`
	ReceiverID string             `json:"receiver_id"`
	Scope      models.DeleteScope `json:"scope"`
}

// MessageDeletedData is delivered to everyone who should drop the message.
// PeerID is the other participant from the recipient's point of view.
type MessageDeletedData struct {
	MessageID string             `json:"message_id"`
	PeerID    string             `json:"peer_id"`
	Scope     models.DeleteScope `json:"scope"`
}

// ClearChatData is clear_chat.
type ClearChatData struct {
	ReceiverID string             `json:"receiver_id"`
	Scope      models.DeleteScope `json:"scope"`
}

// ChatClearedData mirrors MessageDeletedData for a whole conversation.
type ChatClearedData struct {
	PeerID string             `json:"peer_id"`
	Scope  models.DeleteScope `json:"scope"`
}

// MarkReadData is mark_read.
type MarkReadData struct {
	PeerID string `json:"peer_id"`
}

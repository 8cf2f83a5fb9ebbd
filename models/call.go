package models

import "time"

// MediaKind is chosen by the caller and fixed for the life of a call.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CallStatus is the coordinator's view of a call. The finer grained
// negotiating/connected states only exist on the clients.
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
)

// EndReason says why a call ended. Both sides see the same reason.
type EndReason string

const (
	EndReasonDeclined   EndReason = "declined"
	EndReasonBusy       EndReason = "busy"
	EndReasonOffline    EndReason = "offline"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonFailed     EndReason = "failed"
	EndReasonHangup     EndReason = "hangup"
	EndReasonDisconnect EndReason = "disconnect"
)

// Call is an in-memory call record held by the coordinator.
type Call struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	MediaKind  MediaKind  `json:"media_kind"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// PeerOf returns the other participant.
func (c *Call) PeerOf(userID string) string {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

// Has reports whether userID takes part in the call.
func (c *Call) Has(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// CallLog is the JSON content of a call-log message.
type CallLog struct {
	CallID          string    `json:"call_id"`
	MediaKind       MediaKind `json:"media_kind"`
	Reason          EndReason `json:"reason"`
	DurationSeconds int       `json:"duration_seconds"`
}

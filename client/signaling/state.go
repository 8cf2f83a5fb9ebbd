package signaling

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/akinalp/medicall/models"
)

var (
	ErrInvalidTransition = errors.New("signaling: invalid state transition")
	ErrCallActive        = errors.New("signaling: a call is already in progress")
	ErrNoCall            = errors.New("signaling: no matching call")
	ErrCallEnded         = errors.New("signaling: call ended during setup")
	ErrMediaUnavailable  = errors.New("signaling: local media unavailable")
	ErrNegotiation       = errors.New("signaling: negotiation failed")
	ErrInvalidMediaKind  = errors.New("signaling: invalid media kind")
)

// State is the lifecycle position of one call on this client.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing-ringing"
	StateIncomingRinging State = "incoming-ringing"
	StateNegotiating     State = "negotiating"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
)

// transitions lists the states reachable from each state. Ended is
// reachable from everywhere and leads nowhere.
var transitions = map[State][]State{
	StateIdle:            {StateOutgoingRinging, StateIncomingRinging, StateEnded},
	StateOutgoingRinging: {StateNegotiating, StateEnded},
	StateIncomingRinging: {StateNegotiating, StateEnded},
	StateNegotiating:     {StateConnected, StateEnded},
	StateConnected:       {StateEnded},
	StateEnded:           nil,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Call is a snapshot of one call as observers see it.
type Call struct {
	// ID is assigned by the coordinator. An outgoing call has no id until
	// call_ringing arrives.
	ID          string
	PeerID      string
	DisplayName string
	MediaKind   models.MediaKind
	Outgoing    bool
	State       State

	// Reason and Err are only set once State is ended.
	Reason models.EndReason
	Err    error

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	// RemoteTracks is the remote media session, empty until the first
	// inbound track arrives.
	RemoteTracks []RemoteTrack

	// Revision grows with every change the machine publishes, across
	// calls. Observers never see a lower revision after a higher one.
	Revision uint64
}

// Active reports whether the call has not ended yet.
func (c Call) Active() bool {
	return c.State != StateEnded
}

func (c *Call) transition(to State) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	return nil
}

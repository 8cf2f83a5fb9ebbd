package signaling

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerSession is the local end of one direct media connection. Creating an
// offer or answer also sets it as the local description.
type PeerSession interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate reports locally gathered candidates. nil means
	// gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnRemoteTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// PeerFactory creates a peer session with the local media tracks attached.
type PeerFactory interface {
	NewPeer(media LocalMedia) (PeerSession, error)
}

// LocalMedia is the camera and microphone stream. It is shared by every
// call of a client and no call ever stops it.
type LocalMedia interface {
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	AudioEnabled() bool
	VideoEnabled() bool
}

// MediaSource acquires the local media. Acquire is the only blocking step
// of call setup; it may wait on a permission prompt.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// RemoteTrack describes one inbound track. Track is set by peer sessions
// backed by pion and left nil by test fakes.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Track    *webrtc.TrackRemote
}

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(op string, payload any) error
}

package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/akinalp/medicall/client/signaling"
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Track is a local sample track with an enabled flag. A disabled track
// stays attached and negotiated; its samples are just dropped.
type Track struct {
	*webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	return &Track{TrackLocalStaticSample: inner}, nil
}

// Enabled reports whether samples are forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled turns sample forwarding on or off.
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// WriteSample forwards s to every bound peer session unless the track is
// disabled.
func (t *Track) WriteSample(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// LocalMedia is the microphone and camera pair. Capture code feeds samples
// into Audio and Video; peer sessions only read from them.
type LocalMedia struct {
	Audio *Track
	Video *Track
}

var _ signaling.LocalMedia = (*LocalMedia)(nil)

// NewLocalMedia creates an Opus audio track and a VP8 video track in one
// stream. Both start disabled.
func NewLocalMedia(streamID string) (*LocalMedia, error) {
	audio, err := newTrack(opusCapability, "audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := newTrack(vp8Capability, "video", streamID)
	if err != nil {
		return nil, err
	}
	return &LocalMedia{Audio: audio, Video: video}, nil
}

func (m *LocalMedia) SetAudioEnabled(v bool) { m.Audio.SetEnabled(v) }
func (m *LocalMedia) SetVideoEnabled(v bool) { m.Video.SetEnabled(v) }
func (m *LocalMedia) AudioEnabled() bool     { return m.Audio.Enabled() }
func (m *LocalMedia) VideoEnabled() bool     { return m.Video.Enabled() }

// CaptureFunc starts feeding samples into the tracks. An error means the
// devices could not be opened, e.g. permission was denied.
type CaptureFunc func(ctx context.Context, media *LocalMedia) error

// Source hands out one LocalMedia for the whole client session. A failed
// capture is not cached, so the next call tries again.
type Source struct {
	streamID string
	capture  CaptureFunc

	mu    sync.Mutex
	media *LocalMedia
}

// NewSource creates a source. capture may be nil for receive-mostly
// clients that never write samples.
func NewSource(streamID string, capture CaptureFunc) *Source {
	return &Source{streamID: streamID, capture: capture}
}

// Acquire returns the shared media, creating and starting it on first use.
func (s *Source) Acquire(ctx context.Context) (signaling.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.media != nil {
		return s.media, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := NewLocalMedia(s.streamID)
	if err != nil {
		return nil, err
	}
	if s.capture != nil {
		if err := s.capture(ctx, m); err != nil {
			return nil, fmt.Errorf("start capture: %w", err)
		}
	}
	s.media = m
	return m, nil
}

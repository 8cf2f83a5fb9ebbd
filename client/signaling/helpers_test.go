package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/akinalp/medicall/client/transport"
)

// ─── Transport fakes ───

type fakeChannel struct {
	handlers map[string][]transport.Handler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) On(op string, h transport.Handler) func() {
	f.handlers[op] = append(f.handlers[op], h)
	return func() {}
}

func (f *fakeChannel) push(t *testing.T, op string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", op, err)
	}
	for _, h := range f.handlers[op] {
		h(data)
	}
}

type frame struct {
	Op      string
	Payload any
}

type recordingSender struct {
	mu     sync.Mutex
	frames []frame
	err    error
}

func (s *recordingSender) Send(op string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame{Op: op, Payload: payload})
	return nil
}

func (s *recordingSender) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.frames))
	for i, f := range s.frames {
		ops[i] = f.Op
	}
	return ops
}

func (s *recordingSender) last(op string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Op == op {
			return s.frames[i].Payload, true
		}
	}
	return nil, false
}

func (s *recordingSender) count(op string) int {
	n := 0
	for _, o := range s.ops() {
		if o == op {
			n++
		}
	}
	return n
}

// ─── Media fakes ───

type fakeMedia struct {
	mu    sync.Mutex
	audio bool
	video bool
}

func (m *fakeMedia) SetAudioEnabled(v bool) { m.mu.Lock(); m.audio = v; m.mu.Unlock() }
func (m *fakeMedia) SetVideoEnabled(v bool) { m.mu.Lock(); m.video = v; m.mu.Unlock() }
func (m *fakeMedia) AudioEnabled() bool     { m.mu.Lock(); defer m.mu.Unlock(); return m.audio }
func (m *fakeMedia) VideoEnabled() bool     { m.mu.Lock(); defer m.mu.Unlock(); return m.video }

type fakeSource struct {
	media *fakeMedia
	err   error
	calls int
}

func (s *fakeSource) Acquire(context.Context) (LocalMedia, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.media, nil
}

// ─── Peer fakes ───

var errNoRemoteDescription = errors.New("remote description not set")

type fakePeer struct {
	mu        sync.Mutex
	media     LocalMedia
	remote    *webrtc.SessionDescription
	applied   []string
	closed    int
	gather    []string
	remoteErr error

	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.emitGathered()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	hasRemote := p.remote != nil
	p.mu.Unlock()
	if !hasRemote {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	p.emitGathered()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

// emitGathered reports local candidates synchronously, the way a fast
// gatherer would right after the local description is set.
func (p *fakePeer) emitGathered() {
	for _, c := range p.gather {
		p.onCandidate(&webrtc.ICECandidateInit{Candidate: c})
	}
	p.onCandidate(nil)
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidateInit))            { p.onCandidate = fn }
func (p *fakePeer) OnRemoteTrack(fn func(RemoteTrack))                          { p.onTrack = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

type fakeFactory struct {
	peers     []*fakePeer
	gather    []string
	remoteErr error
	err       error
}

func (f *fakeFactory) NewPeer(media LocalMedia) (PeerSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{media: media, gather: f.gather, remoteErr: f.remoteErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last(t *testing.T) *fakePeer {
	t.Helper()
	if len(f.peers) == 0 {
		t.Fatal("no peer session was created")
	}
	return f.peers[len(f.peers)-1]
}

// ─── Fixture ───

type fixture struct {
	machine *Machine
	channel *fakeChannel
	sender  *recordingSender
	source  *fakeSource
	factory *fakeFactory
	changes []Call
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		channel: newFakeChannel(),
		sender:  &recordingSender{},
		source:  &fakeSource{media: &fakeMedia{}},
		factory: &fakeFactory{},
	}
	f.machine = NewMachine(f.sender, f.source, f.factory)
	f.machine.Bind(f.channel)
	f.machine.Subscribe(func(c Call) { f.changes = append(f.changes, c) })
	return f
}

func (f *fixture) current(t *testing.T) Call {
	t.Helper()
	c, ok := f.machine.Current()
	if !ok {
		t.Fatal("no current call")
	}
	return c
}

func candidateJSON(t *testing.T, c string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.ICECandidateInit{Candidate: c})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return raw
}

func sdpJSON(t *testing.T, typ webrtc.SDPType, sdp string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: sdp})
	if err != nil {
		t.Fatalf("marshal sdp: %v", err)
	}
	return raw
}

// Package signaling drives the client side of a peer-to-peer call: the
// offer/answer exchange over the transport channel, the remote candidate
// queue and the call lifecycle.
//
//	idle → outgoing-ringing → negotiating → connected
//	idle → incoming-ringing → negotiating → connected
//	any  → ended
//
// Machine is the only mutator of call state. Observers get snapshots
// through Subscribe.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/akinalp/medicall/client/transport"
	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/ws"
)

// Subscriber is the inbound half of the transport channel.
type Subscriber interface {
	On(op string, h transport.Handler) (off func())
}

// callState is the machine's private record of one call. A new call always
// gets a new callState, so a stale callback can be recognised by pointer.
type callState struct {
	Call
	peer  PeerSession
	queue *CandidateQueue
	offer webrtc.SessionDescription

	// signalled is set once the offer or answer went out. Local candidates
	// gathered earlier wait in outbound so they never overtake it.
	signalled bool
	outbound  []webrtc.ICECandidateInit
	accepting bool

	// linked is set once the peer connection reports connected. A media
	// path can exist before any inbound track carries a packet.
	linked   bool
	deadline *time.Timer
}

func newCallState(c Call) *callState {
	cs := &callState{Call: c}
	cs.queue = NewCandidateQueue(cs.applyCandidate)
	return cs
}

// applyCandidate runs with Machine.mu held.
func (cs *callState) applyCandidate(c webrtc.ICECandidateInit) error {
	if cs.peer == nil {
		return ErrCallEnded
	}
	return cs.peer.AddICECandidate(c)
}

func (cs *callState) stopDeadline() {
	if cs.deadline != nil {
		cs.deadline.Stop()
		cs.deadline = nil
	}
}

func (cs *callState) snapshot() Call {
	c := cs.Call
	c.RemoteTracks = slices.Clone(cs.RemoteTracks)
	return c
}

// DefaultNegotiationTimeout bounds the negotiating state. A call that has
// no media path by then ends as failed.
const DefaultNegotiationTimeout = 30 * time.Second

// Machine runs the call lifecycle for one client.
type Machine struct {
	sender Sender
	media  MediaSource
	peers  PeerFactory

	mu                 sync.Mutex
	displayName        string
	negotiationTimeout time.Duration
	local              LocalMedia
	call               *callState
	observers          map[int]func(Call)
	nextID             int
	revision           uint64
	now                func() time.Time

	// Snapshots are published from user calls, channel handlers and pion
	// callbacks. outbox keeps them in one queue drained by whoever got
	// there first.
	deliverMu sync.Mutex
	outbox    []Call
	draining  bool
	delivered uint64
}

// NewMachine creates an idle machine.
func NewMachine(sender Sender, media MediaSource, peers PeerFactory) *Machine {
	return &Machine{
		sender:             sender,
		media:              media,
		peers:              peers,
		negotiationTimeout: DefaultNegotiationTimeout,
		observers:          make(map[int]func(Call)),
		now:                time.Now,
	}
}

// SetDisplayName sets the name sent with outgoing calls.
func (m *Machine) SetDisplayName(name string) {
	m.mu.Lock()
	m.displayName = name
	m.mu.Unlock()
}

// SetNegotiationTimeout changes how long a call may stay negotiating.
// Zero disables the limit. It applies to calls that start negotiating
// afterwards.
func (m *Machine) SetNegotiationTimeout(d time.Duration) {
	m.mu.Lock()
	m.negotiationTimeout = d
	m.mu.Unlock()
}

// Bind registers the machine's handlers on ch.
func (m *Machine) Bind(ch Subscriber) {
	ch.On(ws.OpCallUser, m.handleIncoming)
	ch.On(ws.OpCallRinging, m.handleRinging)
	ch.On(ws.OpCallAccepted, m.handleAccepted)
	ch.On(ws.OpICECandidate, m.handleCandidate)
	ch.On(ws.OpCallEnded, m.handleEnded)
	ch.On(transport.EventDisconnect, func(json.RawMessage) { m.handleChannelLoss() })
}

// Current returns a snapshot of the latest call, ended or not.
func (m *Machine) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return Call{}, false
	}
	snap := m.call.snapshot()
	snap.Revision = m.revision
	return snap, true
}

// Media returns the shared local media, or nil before the first call.
func (m *Machine) Media() LocalMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Subscribe registers fn for every call change and returns a func that
// removes it.
func (m *Machine) Subscribe(fn func(Call)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// snapshotLocked copies cs for publishing and stamps the next revision.
func (m *Machine) snapshotLocked(cs *callState) Call {
	m.revision++
	snap := cs.snapshot()
	snap.Revision = m.revision
	return snap
}

// notify queues c and, unless another goroutine is already delivering,
// drains the queue. Observers may call back into the machine. A snapshot
// older than one already delivered is dropped.
func (m *Machine) notify(c Call) {
	m.deliverMu.Lock()
	m.outbox = append(m.outbox, c)
	if m.draining {
		m.deliverMu.Unlock()
		return
	}
	m.draining = true

	for len(m.outbox) > 0 {
		next := m.outbox[0]
		m.outbox = m.outbox[1:]
		if next.Revision <= m.delivered {
			continue
		}
		m.delivered = next.Revision
		m.deliverMu.Unlock()

		m.mu.Lock()
		fns := lo.Values(m.observers)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(next)
		}

		m.deliverMu.Lock()
	}
	m.draining = false
	m.deliverMu.Unlock()
}

// ─── User actions ───

// Call originates a call to peerID. It returns once the offer is on the
// wire and the call is outgoing-ringing. Any failure leaves the call ended.
func (m *Machine) Call(ctx context.Context, peerID string, kind models.MediaKind) error {
	if kind == "" {
		kind = models.MediaKindAudio
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMediaKind, kind)
	}
	if peerID == "" {
		return errors.New("signaling: peer id is required")
	}

	m.mu.Lock()
	if m.call != nil && m.call.Active() {
		m.mu.Unlock()
		return ErrCallActive
	}
	cs := newCallState(Call{
		PeerID:    peerID,
		MediaKind: kind,
		Outgoing:  true,
		State:     StateIdle,
		StartedAt: m.now(),
	})
	m.call = cs
	displayName := m.displayName
	m.mu.Unlock()

	local, err := m.acquire(ctx, kind)
	if err != nil {
		log.Warn().Err(err).Msgf("[call] cannot call %s", peerID)
		m.terminate(cs, models.EndReasonFailed, err, false)
		return err
	}

	peer, err := m.peers.NewPeer(local)
	if err != nil {
		return m.fail(cs, err)
	}
	if !m.attach(cs, peer) {
		return ErrCallEnded
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		return m.fail(cs, err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return m.fail(cs, err)
	}

	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return ErrCallEnded
	}
	if err := cs.transition(StateOutgoingRinging); err != nil {
		m.mu.Unlock()
		return m.fail(cs, err)
	}
	err = m.sender.Send(ws.OpCallUser, ws.CallUserData{
		To:          peerID,
		Offer:       raw,
		MediaKind:   kind,
		DisplayName: displayName,
	})
	if err != nil {
		m.mu.Unlock()
		return m.fail(cs, err)
	}
	cs.signalled = true
	m.flushOutboundLocked(cs)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	log.Info().Msgf("[call] calling %s (%s)", peerID, kind)
	m.notify(snap)
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	cs := m.call
	if cs == nil || cs.State != StateIncomingRinging || cs.accepting {
		m.mu.Unlock()
		return ErrNoCall
	}
	cs.accepting = true
	offer := cs.offer
	kind := cs.MediaKind
	m.mu.Unlock()

	local, err := m.acquire(ctx, kind)
	if err != nil {
		log.Warn().Err(err).Msgf("[call] cannot accept call %s", cs.ID)
		m.terminate(cs, models.EndReasonFailed, err, true)
		return err
	}

	peer, err := m.peers.NewPeer(local)
	if err != nil {
		return m.fail(cs, err)
	}
	if !m.attach(cs, peer) {
		return ErrCallEnded
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		return m.fail(cs, err)
	}

	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return ErrCallEnded
	}
	_, err = cs.queue.Flush()
	m.mu.Unlock()
	if err != nil {
		return m.fail(cs, err)
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		return m.fail(cs, err)
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return m.fail(cs, err)
	}

	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return ErrCallEnded
	}
	if err := cs.transition(StateNegotiating); err != nil {
		m.mu.Unlock()
		return m.fail(cs, err)
	}
	if err := m.sender.Send(ws.OpCallAccepted, ws.CallAcceptedData{CallID: cs.ID, Answer: raw}); err != nil {
		m.mu.Unlock()
		return m.fail(cs, err)
	}
	cs.signalled = true
	m.flushOutboundLocked(cs)
	m.startNegotiationLocked(cs)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	log.Info().Msgf("[call] accepted call %s from %s", cs.ID, cs.PeerID)
	m.notify(snap)
	return nil
}

// Decline refuses the ringing incoming call. No peer session is ever
// created for it.
func (m *Machine) Decline() error {
	m.mu.Lock()
	cs := m.call
	if cs == nil || cs.State != StateIncomingRinging || cs.accepting {
		m.mu.Unlock()
		return ErrNoCall
	}
	if err := m.sender.Send(ws.OpCallDecline, ws.CallDeclineData{CallID: cs.ID}); err != nil {
		log.Warn().Err(err).Msgf("[call] decline of %s not sent", cs.ID)
	}
	peer := m.finishLocked(cs, models.EndReasonDeclined, nil)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	m.release(peer, snap)
	return nil
}

// Hangup ends the current call from any state. A call that has already
// ended, or no call at all, is a no-op.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	cs := m.call
	if cs == nil || !cs.Active() {
		m.mu.Unlock()
		return nil
	}

	reason := models.EndReasonHangup
	switch {
	case cs.State == StateIncomingRinging && !cs.accepting:
		reason = models.EndReasonDeclined
		if err := m.sender.Send(ws.OpCallDecline, ws.CallDeclineData{CallID: cs.ID}); err != nil {
			log.Warn().Err(err).Msgf("[call] decline of %s not sent", cs.ID)
		}
	default:
		m.signalEndLocked(cs, "")
	}
	peer := m.finishLocked(cs, reason, nil)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	m.release(peer, snap)
	return nil
}

// ToggleAudio flips the local microphone track and returns the new state.
// Nothing is signalled.
func (m *Machine) ToggleAudio() (bool, error) {
	local := m.Media()
	if local == nil {
		return false, ErrMediaUnavailable
	}
	enabled := !local.AudioEnabled()
	local.SetAudioEnabled(enabled)
	return enabled, nil
}

// ToggleVideo flips the local camera track and returns the new state.
// Nothing is signalled and nothing is renegotiated.
func (m *Machine) ToggleVideo() (bool, error) {
	local := m.Media()
	if local == nil {
		return false, ErrMediaUnavailable
	}
	enabled := !local.VideoEnabled()
	local.SetVideoEnabled(enabled)
	return enabled, nil
}

// ─── Channel events ───

func (m *Machine) handleIncoming(data json.RawMessage) {
	in, ok := decode[ws.IncomingCallData](ws.OpCallUser, data)
	if !ok {
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(in.Offer, &offer); err != nil {
		log.Warn().Err(err).Msgf("[call] unreadable offer for call %s", in.CallID)
		_ = m.sender.Send(ws.OpCallEnd, ws.CallEndData{CallID: in.CallID, Reason: models.EndReasonFailed})
		return
	}
	kind := in.MediaKind
	if !kind.Valid() {
		kind = models.MediaKindAudio
	}

	m.mu.Lock()
	if m.call != nil && m.call.Active() {
		m.mu.Unlock()
		log.Warn().Msgf("[call] ignoring call %s from %s while in a call", in.CallID, in.From)
		return
	}
	cs := newCallState(Call{
		ID:          in.CallID,
		PeerID:      in.From,
		DisplayName: in.DisplayName,
		MediaKind:   kind,
		State:       StateIdle,
		StartedAt:   m.now(),
	})
	cs.offer = offer
	_ = cs.transition(StateIncomingRinging)
	m.call = cs
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	log.Info().Msgf("[call] incoming %s call %s from %s", kind, in.CallID, in.From)
	m.notify(snap)
}

func (m *Machine) handleRinging(data json.RawMessage) {
	r, ok := decode[ws.CallRingingData](ws.OpCallRinging, data)
	if !ok {
		return
	}

	m.mu.Lock()
	cs := m.call
	if cs == nil || !cs.Outgoing || !cs.Active() || cs.ID != "" || cs.PeerID != r.To {
		m.mu.Unlock()
		return
	}
	cs.ID = r.CallID
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Machine) handleAccepted(data json.RawMessage) {
	a, ok := decode[ws.CallAcceptedData](ws.OpCallAccepted, data)
	if !ok {
		return
	}

	m.mu.Lock()
	cs := m.call
	if cs == nil || !cs.Outgoing || cs.State != StateOutgoingRinging ||
		(cs.ID != "" && cs.ID != a.CallID) || (a.From != "" && a.From != cs.PeerID) {
		m.mu.Unlock()
		log.Debug().Msgf("[call] stray call_accepted for %s", a.CallID)
		return
	}
	cs.ID = a.CallID
	peer := cs.peer
	m.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(a.Answer, &answer); err != nil {
		m.fail(cs, err)
		return
	}
	if err := peer.SetRemoteDescription(answer); err != nil {
		m.fail(cs, err)
		return
	}

	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return
	}
	flushed, err := cs.queue.Flush()
	if err == nil {
		err = cs.transition(StateNegotiating)
	}
	if err != nil {
		m.mu.Unlock()
		m.fail(cs, err)
		return
	}
	m.startNegotiationLocked(cs)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	log.Debug().Msgf("[call] call %s answered, %d queued candidates applied", cs.ID, flushed)
	m.notify(snap)
}

func (m *Machine) handleCandidate(data json.RawMessage) {
	d, ok := decode[ws.ICECandidateData](ws.OpICECandidate, data)
	if !ok {
		return
	}

	m.mu.Lock()
	cs := m.call
	if cs == nil || !cs.Active() || d.From != cs.PeerID ||
		(d.CallID != "" && cs.ID != "" && d.CallID != cs.ID) {
		m.mu.Unlock()
		return
	}

	var candidate webrtc.ICECandidateInit
	err := json.Unmarshal(d.Candidate, &candidate)
	if err == nil {
		err = cs.queue.Offer(candidate)
	}
	m.mu.Unlock()

	if err != nil && !errors.Is(err, ErrQueueClosed) {
		m.fail(cs, err)
	}
}

func (m *Machine) handleEnded(data json.RawMessage) {
	e, ok := decode[ws.CallEndedData](ws.OpCallEnded, data)
	if !ok {
		return
	}

	m.mu.Lock()
	cs := m.call
	matches := cs != nil && cs.Active() &&
		((e.CallID != "" && e.CallID == cs.ID) || (cs.ID == "" && e.Peer == cs.PeerID))
	if !matches {
		m.mu.Unlock()
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = models.EndReasonHangup
	}
	peer := m.finishLocked(cs, reason, nil)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	m.release(peer, snap)
}

// handleChannelLoss treats a dropped transport like the peer hanging up.
func (m *Machine) handleChannelLoss() {
	m.mu.Lock()
	cs := m.call
	if cs == nil || !cs.Active() {
		m.mu.Unlock()
		return
	}
	peer := m.finishLocked(cs, models.EndReasonDisconnect, nil)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	m.release(peer, snap)
}

// ─── Peer session events ───

func (m *Machine) localCandidate(cs *callState, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isCurrent(cs) {
		return
	}
	if !cs.signalled {
		cs.outbound = append(cs.outbound, c)
		return
	}
	m.sendCandidateLocked(cs, c)
}

func (m *Machine) remoteTrack(cs *callState, t RemoteTrack) {
	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return
	}
	cs.RemoteTracks = append(cs.RemoteTracks, t)
	changed := m.maybeConnectedLocked(cs)
	if !changed && cs.State != StateConnected {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	if changed {
		log.Info().Msgf("[call] call %s connected", cs.ID)
	}
	m.notify(snap)
}

func (m *Machine) peerConnected(cs *callState) {
	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return
	}
	cs.linked = true
	if !m.maybeConnectedLocked(cs) {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	log.Info().Msgf("[call] call %s connected", cs.ID)
	m.notify(snap)
}

func (m *Machine) negotiationExpired(cs *callState, after time.Duration) {
	m.mu.Lock()
	if !m.isCurrent(cs) || cs.State != StateNegotiating {
		m.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: no media path after %s", ErrNegotiation, after)
	m.signalEndLocked(cs, models.EndReasonFailed)
	peer := m.finishLocked(cs, models.EndReasonFailed, err)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	log.Warn().Err(err).Msgf("[call] call with %s failed", cs.PeerID)
	m.release(peer, snap)
}

// ─── Internals ───

func (m *Machine) acquire(ctx context.Context, kind models.MediaKind) (LocalMedia, error) {
	local := m.Media()
	if local == nil {
		acquired, err := m.media.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		m.mu.Lock()
		if m.local == nil {
			m.local = acquired
		}
		local = m.local
		m.mu.Unlock()
	}

	// Audio-only calls still carry a video track, just disabled.
	local.SetAudioEnabled(true)
	local.SetVideoEnabled(kind == models.MediaKindVideo)
	return local, nil
}

// attach stores peer on cs and wires its callbacks. If cs ended meanwhile
// the peer is closed and attach reports false.
func (m *Machine) attach(cs *callState, peer PeerSession) bool {
	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		if err := peer.Close(); err != nil {
			log.Warn().Err(err).Msg("[call] closing orphaned peer session")
		}
		return false
	}
	cs.peer = peer
	m.mu.Unlock()

	peer.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil {
			m.localCandidate(cs, *c)
		}
	})
	peer.OnRemoteTrack(func(t RemoteTrack) {
		m.remoteTrack(cs, t)
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.peerConnected(cs)
		case webrtc.PeerConnectionStateFailed:
			m.fail(cs, errors.New("peer connection failed"))
		}
	})
	return true
}

func (m *Machine) isCurrent(cs *callState) bool {
	return m.call == cs && cs.Active()
}

// startNegotiationLocked arms the negotiation deadline for cs, which has
// just entered negotiating, and connects it at once if the peer got there
// first.
func (m *Machine) startNegotiationLocked(cs *callState) {
	if d := m.negotiationTimeout; d > 0 {
		cs.deadline = time.AfterFunc(d, func() { m.negotiationExpired(cs, d) })
	}
	m.maybeConnectedLocked(cs)
}

func (m *Machine) maybeConnectedLocked(cs *callState) bool {
	if cs.State != StateNegotiating || (!cs.linked && len(cs.RemoteTracks) == 0) {
		return false
	}
	_ = cs.transition(StateConnected)
	cs.ConnectedAt = m.now()
	cs.stopDeadline()
	return true
}

func (m *Machine) sendCandidateLocked(cs *callState, c webrtc.ICECandidateInit) {
	raw, err := json.Marshal(c)
	if err != nil {
		log.Warn().Err(err).Msg("[call] cannot encode local candidate")
		return
	}
	err = m.sender.Send(ws.OpICECandidate, ws.ICECandidateData{
		To:        cs.PeerID,
		CallID:    cs.ID,
		Candidate: raw,
	})
	if err != nil {
		log.Debug().Err(err).Msgf("[call] candidate for %s not sent", cs.PeerID)
	}
}

func (m *Machine) flushOutboundLocked(cs *callState) {
	for _, c := range cs.outbound {
		m.sendCandidateLocked(cs, c)
	}
	cs.outbound = nil
}

// signalEndLocked sends call_end if the coordinator knows about the call.
func (m *Machine) signalEndLocked(cs *callState, reason models.EndReason) {
	if !cs.signalled && cs.Outgoing {
		return
	}
	if err := m.sender.Send(ws.OpCallEnd, ws.CallEndData{CallID: cs.ID, Reason: reason}); err != nil {
		log.Warn().Err(err).Msgf("[call] call_end for %s not sent", cs.ID)
	}
}

// fail ends cs with reason failed and tells the peer. It returns the error
// wrapped for the caller of the failing action.
func (m *Machine) fail(cs *callState, err error) error {
	if !errors.Is(err, ErrNegotiation) && !errors.Is(err, ErrMediaUnavailable) {
		err = fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	log.Warn().Err(err).Msgf("[call] call with %s failed", cs.PeerID)
	m.terminate(cs, models.EndReasonFailed, err, true)
	return err
}

func (m *Machine) terminate(cs *callState, reason models.EndReason, cause error, tell bool) {
	m.mu.Lock()
	if !m.isCurrent(cs) {
		m.mu.Unlock()
		return
	}
	if tell {
		endReason := models.EndReason("")
		if reason == models.EndReasonFailed {
			endReason = reason
		}
		m.signalEndLocked(cs, endReason)
	}
	peer := m.finishLocked(cs, reason, cause)
	snap := m.snapshotLocked(cs)
	m.mu.Unlock()

	m.release(peer, snap)
}

// finishLocked moves cs to ended and detaches its peer session, which the
// caller closes after unlocking. The shared local media is left running.
func (m *Machine) finishLocked(cs *callState, reason models.EndReason, cause error) PeerSession {
	if !cs.Active() {
		return nil
	}
	_ = cs.transition(StateEnded)
	cs.Reason = reason
	cs.Err = cause
	cs.EndedAt = m.now()
	cs.queue.Discard()
	cs.outbound = nil
	cs.stopDeadline()

	peer := cs.peer
	cs.peer = nil
	return peer
}

func (m *Machine) release(peer PeerSession, snap Call) {
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warn().Err(err).Msgf("[call] closing peer session of %s", snap.ID)
		}
	}
	log.Info().Msgf("[call] call %s with %s ended: %s", snap.ID, snap.PeerID, snap.Reason)
	m.notify(snap)
}

func decode[T any](op string, data json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		log.Warn().Err(err).Msgf("[call] bad %s payload", op)
		return v, false
	}
	return v, true
}

// Package services, CallService: one-to-one call coordination.
//
// The coordinator relays signaling between the two parties and never looks
// inside an offer, answer or candidate. All call state is in memory:
//   - activeCalls: callID → call
//   - userCalls:   userID → callID (one call per user)
//
// Flow:
//  1. caller call_user → call_ringing to caller, call_user to callee
//  2. callee call_accepted → relayed to caller with the answer
//  3. ice_candidate in both directions, only between parties of one call
//  4. call_decline, call_end, ring timeout or disconnect → call_ended to both
//
// Each side of a call is owned by the connection that sent call_user or
// call_accepted. Closing an owning connection ends the call even when the
// user still has other connections open; a ringing callee owns nothing yet.
//
// Every finished call is written to the conversation as a call-log message.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/ws"
)

// CallService coordinates calls. Every method is keyed by the authenticated
// sender; payload fields naming a party are checked against the call.
type CallService interface {
	CallUser(callerID, connID string, data ws.CallUserData) error
	Accept(userID, connID string, data ws.CallAcceptedData) error
	Decline(userID string, data ws.CallDeclineData) error
	End(userID string, data ws.CallEndData) error
	RelayCandidate(senderID string, data ws.ICECandidateData) error
	// HandleDisconnect ends the user's call once their last connection is gone.
	HandleDisconnect(userID string)
	// HandleConnectionClosed ends the user's call if connID owns their side.
	HandleConnectionClosed(userID, connID string)
	// ActiveCall returns a copy of the user's current call, or nil.
	ActiveCall(userID string) *models.Call
}

type trackedCall struct {
	call  models.Call
	timer *time.Timer

	callerConn string
	calleeConn string // empty until accepted
}

// ownerConn returns the connection holding userID's side of the call.
func (t *trackedCall) ownerConn(userID string) string {
	switch userID {
	case t.call.CallerID:
		return t.callerConn
	case t.call.CalleeID:
		return t.calleeConn
	}
	return ""
}

type callService struct {
	userGetter  UserGetter
	hub         ws.EventPublisher
	chat        ChatService
	notifier    NotificationService
	ringTimeout time.Duration
	now         func() time.Time

	activeCalls map[string]*trackedCall
	userCalls   map[string]string
	mu          sync.Mutex
}

// NewCallService creates a CallService. An unanswered call ends with reason
// timeout after ringTimeout.
func NewCallService(
	userGetter UserGetter,
	hub ws.EventPublisher,
	chat ChatService,
	notifier NotificationService,
	ringTimeout time.Duration,
) CallService {
	return &callService{
		userGetter:  userGetter,
		hub:         hub,
		chat:        chat,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		now:         time.Now,
		activeCalls: make(map[string]*trackedCall),
		userCalls:   make(map[string]string),
	}
}

func (s *callService) CallUser(callerID, connID string, data ws.CallUserData) error {
	if data.To == "" || data.To == callerID {
		return fmt.Errorf("%w: invalid callee", pkg.ErrBadRequest)
	}
	if len(data.Offer) == 0 {
		return fmt.Errorf("%w: offer is required", pkg.ErrBadRequest)
	}
	if data.MediaKind == "" {
		data.MediaKind = models.MediaKindAudio
	}
	if !data.MediaKind.Valid() {
		return fmt.Errorf("%w: invalid media kind %q", pkg.ErrBadRequest, data.MediaKind)
	}

	ctx := context.Background()
	caller, err := s.userGetter.GetByID(ctx, callerID)
	if err != nil {
		s.refuse(callerID, data.To, models.EndReasonFailed)
		return err
	}
	if _, err := s.userGetter.GetByID(ctx, data.To); err != nil {
		s.refuse(callerID, data.To, models.EndReasonFailed)
		return err
	}

	call := models.Call{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		CalleeID:  data.To,
		MediaKind: data.MediaKind,
		Status:    models.CallStatusRinging,
		CreatedAt: s.now().UTC(),
	}

	if !s.hub.IsOnline(data.To) {
		s.refuse(callerID, data.To, models.EndReasonOffline)
		s.record(&call, models.EndReasonOffline)
		log.Info().Msgf("[call] %s called %s who is offline", callerID, data.To)
		return nil
	}

	s.mu.Lock()
	if _, busy := s.userCalls[callerID]; busy {
		s.mu.Unlock()
		s.refuse(callerID, data.To, models.EndReasonFailed)
		return fmt.Errorf("%w: already in a call", pkg.ErrBadRequest)
	}
	if _, busy := s.userCalls[data.To]; busy {
		s.mu.Unlock()
		s.refuse(callerID, data.To, models.EndReasonBusy)
		log.Info().Msgf("[call] %s called %s who is busy", callerID, data.To)
		return nil
	}

	tracked := &trackedCall{call: call, callerConn: connID}
	s.activeCalls[call.ID] = tracked
	s.userCalls[callerID] = call.ID
	s.userCalls[data.To] = call.ID
	tracked.timer = time.AfterFunc(s.ringTimeout, func() { s.expire(call.ID) })
	s.mu.Unlock()

	log.Info().Msgf("[call] call started: %s → %s (kind=%s, id=%s)", callerID, data.To, call.MediaKind, call.ID)

	s.hub.BroadcastToUser(callerID, ws.Event{
		Op:   ws.OpCallRinging,
		Data: ws.CallRingingData{CallID: call.ID, To: data.To},
	})
	s.hub.BroadcastToUser(data.To, ws.Event{
		Op: ws.OpCallUser,
		Data: ws.IncomingCallData{
			CallID:      call.ID,
			From:        callerID,
			DisplayName: caller.Name(),
			Offer:       data.Offer,
			MediaKind:   call.MediaKind,
		},
	})
	return nil
}

func (s *callService) Accept(userID, connID string, data ws.CallAcceptedData) error {
	if len(data.Answer) == 0 {
		return fmt.Errorf("%w: answer is required", pkg.ErrBadRequest)
	}

	s.mu.Lock()
	tracked, ok := s.activeCalls[data.CallID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: call not found", pkg.ErrNotFound)
	}
	if tracked.call.CalleeID != userID {
		s.mu.Unlock()
		return fmt.Errorf("%w: only the callee can accept", pkg.ErrForbidden)
	}
	if tracked.call.Status != models.CallStatusRinging {
		s.mu.Unlock()
		return fmt.Errorf("%w: call is not ringing", pkg.ErrBadRequest)
	}

	tracked.timer.Stop()
	answeredAt := s.now().UTC()
	tracked.call.Status = models.CallStatusActive
	tracked.call.AnsweredAt = &answeredAt
	tracked.calleeConn = connID
	callerID := tracked.call.CallerID
	s.mu.Unlock()

	log.Info().Msgf("[call] call accepted: %s (id=%s)", userID, data.CallID)

	s.hub.BroadcastToUser(callerID, ws.Event{
		Op: ws.OpCallAccepted,
		Data: ws.CallAcceptedData{
			CallID: data.CallID,
			From:   userID,
			Answer: data.Answer,
		},
	})
	return nil
}

func (s *callService) Decline(userID string, data ws.CallDeclineData) error {
	call, err := s.participantCall(userID, data.CallID)
	if err != nil {
		return err
	}

	// A caller "declining" its own ringing call is a cancel.
	reason := models.EndReasonDeclined
	if call.CallerID == userID {
		reason = models.EndReasonHangup
	}
	s.finish(data.CallID, reason)
	return nil
}

func (s *callService) End(userID string, data ws.CallEndData) error {
	callID := data.CallID
	if callID == "" {
		s.mu.Lock()
		callID = s.userCalls[userID]
		s.mu.Unlock()
	}
	if _, err := s.participantCall(userID, callID); err != nil {
		return err
	}

	reason := models.EndReasonHangup
	if data.Reason == models.EndReasonFailed {
		reason = models.EndReasonFailed
	}
	s.finish(callID, reason)
	return nil
}

func (s *callService) RelayCandidate(senderID string, data ws.ICECandidateData) error {
	if len(data.Candidate) == 0 {
		return fmt.Errorf("%w: candidate is required", pkg.ErrBadRequest)
	}

	s.mu.Lock()
	callID := data.CallID
	if callID == "" {
		// The caller gathers candidates before call_ringing names the call.
		callID = s.userCalls[senderID]
	}
	tracked, ok := s.activeCalls[callID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: call not found", pkg.ErrNotFound)
	}
	if !tracked.call.Has(senderID) || tracked.call.PeerOf(senderID) != data.To {
		s.mu.Unlock()
		return fmt.Errorf("%w: not part of this call", pkg.ErrForbidden)
	}
	s.mu.Unlock()

	s.hub.BroadcastToUser(data.To, ws.Event{
		Op: ws.OpICECandidate,
		Data: ws.ICECandidateData{
			To:        data.To,
			From:      senderID,
			CallID:    callID,
			Candidate: data.Candidate,
		},
	})
	return nil
}

func (s *callService) HandleDisconnect(userID string) {
	s.mu.Lock()
	callID, ok := s.userCalls[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	log.Info().Msgf("[call] ending call %s: %s disconnected", callID, userID)
	s.finish(callID, models.EndReasonDisconnect)
}

func (s *callService) HandleConnectionClosed(userID, connID string) {
	s.mu.Lock()
	callID, ok := s.userCalls[userID]
	owned := false
	if tracked, found := s.activeCalls[callID]; ok && found {
		owner := tracked.ownerConn(userID)
		owned = owner != "" && owner == connID
	}
	s.mu.Unlock()
	if !owned {
		return
	}

	log.Info().Msgf("[call] ending call %s: connection of %s closed", callID, userID)
	s.finish(callID, models.EndReasonDisconnect)
}

func (s *callService) ActiveCall(userID string) *models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.activeCalls[s.userCalls[userID]]
	if !ok {
		return nil
	}
	call := tracked.call
	return &call
}

// participantCall returns a copy of callID after checking userID is in it.
func (s *callService) participantCall(userID, callID string) (models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.activeCalls[callID]
	if !ok {
		return models.Call{}, fmt.Errorf("%w: call not found", pkg.ErrNotFound)
	}
	if !tracked.call.Has(userID) {
		return models.Call{}, fmt.Errorf("%w: not part of this call", pkg.ErrForbidden)
	}
	return tracked.call, nil
}

func (s *callService) expire(callID string) {
	s.mu.Lock()
	tracked, ok := s.activeCalls[callID]
	ringing := ok && tracked.call.Status == models.CallStatusRinging
	s.mu.Unlock()
	if !ringing {
		return
	}

	log.Info().Msgf("[call] call %s not answered within %s", callID, s.ringTimeout)
	s.finish(callID, models.EndReasonTimeout)
}

// finish removes the call and tells both parties. Only the first caller for
// a given call id does anything.
func (s *callService) finish(callID string, reason models.EndReason) {
	s.mu.Lock()
	tracked, ok := s.activeCalls[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	tracked.timer.Stop()
	delete(s.activeCalls, callID)
	delete(s.userCalls, tracked.call.CallerID)
	delete(s.userCalls, tracked.call.CalleeID)
	call := tracked.call
	s.mu.Unlock()

	log.Info().Msgf("[call] call ended: id=%s reason=%s", callID, reason)

	s.hub.BroadcastToUser(call.CallerID, ws.Event{
		Op:   ws.OpCallEnded,
		Data: ws.CallEndedData{CallID: callID, Peer: call.CalleeID, Reason: reason},
	})
	s.hub.BroadcastToUser(call.CalleeID, ws.Event{
		Op:   ws.OpCallEnded,
		Data: ws.CallEndedData{CallID: callID, Peer: call.CallerID, Reason: reason},
	})

	s.record(&call, reason)
}

// refuse ends a call attempt that never got an id.
func (s *callService) refuse(callerID, calleeID string, reason models.EndReason) {
	s.hub.BroadcastToUser(callerID, ws.Event{
		Op:   ws.OpCallEnded,
		Data: ws.CallEndedData{Peer: calleeID, Reason: reason},
	})
}

// record writes the call-log message and sends a missed-call notice when
// the callee never picked up.
func (s *callService) record(call *models.Call, reason models.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.chat.PostCallLog(ctx, call, reason, s.now()); err != nil {
		log.Error().Err(err).Msgf("[call] failed to record call %s", call.ID)
	}

	if s.notifier != nil && IsMissedCall(call.Status, reason) {
		s.notifier.NotifyMissedCall(call, reason)
	}
}

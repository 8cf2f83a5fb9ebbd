// Package services, PresenceService: heartbeat liveness and online/offline
// broadcasts.
//
// A user is online while at least one connection exists. The hub reports
// the first connect and the last disconnect; heartbeats refresh last-seen in
// the PresenceStore, and a scheduled Sweep drops users whose heartbeat went
// stale so offline is emitted even when a socket dies without a close.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/repository"
	"github.com/akinalp/medicall/ws"
)

// ConnectionCloser force-closes a user's connections. *ws.Hub satisfies it.
type ConnectionCloser interface {
	DisconnectUser(userID string) int
}

// PresenceService tracks who is online.
type PresenceService interface {
	HandleConnect(userID string)
	HandleDisconnect(userID string)
	Heartbeat(userID string)
	// Sweep disconnects users with no heartbeat within the timeout and
	// returns their ids.
	Sweep(ctx context.Context) []string
	OnlineUserIDs() []string
}

type presenceService struct {
	store   repository.PresenceStore
	hub     ws.EventPublisher
	closer  ConnectionCloser
	timeout time.Duration
	now     func() time.Time
}

// NewPresenceService creates a PresenceService.
func NewPresenceService(
	store repository.PresenceStore,
	hub ws.EventPublisher,
	closer ConnectionCloser,
	timeout time.Duration,
) PresenceService {
	return &presenceService{
		store:   store,
		hub:     hub,
		closer:  closer,
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *presenceService) HandleConnect(userID string) {
	if err := s.store.Touch(context.Background(), userID, s.now()); err != nil {
		log.Error().Err(err).Msgf("[presence] failed to touch %s", userID)
	}

	// The connection may already be gone by the time this runs.
	if !s.hub.IsOnline(userID) {
		return
	}

	s.hub.BroadcastToAllExcept(userID, ws.Event{
		Op:   ws.OpUserOnline,
		Data: ws.PresenceData{UserID: userID},
	})
	log.Info().Msgf("[presence] user %s is now online", userID)
}

func (s *presenceService) HandleDisconnect(userID string) {
	// A quick reconnect beats this callback; the user never went offline.
	if s.hub.IsOnline(userID) {
		return
	}

	if err := s.store.Remove(context.Background(), userID); err != nil {
		log.Error().Err(err).Msgf("[presence] failed to remove %s", userID)
	}

	s.emitOffline(userID)
}

func (s *presenceService) Heartbeat(userID string) {
	if err := s.store.Touch(context.Background(), userID, s.now()); err != nil {
		log.Error().Err(err).Msgf("[presence] failed to record heartbeat for %s", userID)
	}
}

func (s *presenceService) Sweep(ctx context.Context) []string {
	stale, err := s.store.Stale(ctx, s.now().Add(-s.timeout))
	if err != nil {
		log.Error().Err(err).Msg("[presence] sweep failed")
		return nil
	}

	for _, userID := range stale {
		if err := s.store.Remove(ctx, userID); err != nil {
			log.Error().Err(err).Msgf("[presence] failed to remove stale %s", userID)
		}

		// Closing the sockets runs HandleDisconnect, which emits offline.
		// With nothing to close there is no disconnect to wait for.
		if s.closer.DisconnectUser(userID) == 0 {
			s.emitOffline(userID)
		}
		log.Info().Msgf("[presence] user %s timed out (no heartbeat in %s)", userID, s.timeout)
	}
	return stale
}

func (s *presenceService) OnlineUserIDs() []string {
	return s.hub.GetOnlineUserIDs()
}

func (s *presenceService) emitOffline(userID string) {
	s.hub.BroadcastToAllExcept(userID, ws.Event{
		Op:   ws.OpUserOffline,
		Data: ws.PresenceData{UserID: userID},
	})
	log.Info().Msgf("[presence] user %s is now offline", userID)
}

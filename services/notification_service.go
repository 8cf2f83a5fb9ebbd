// Package services, NotificationService: out-of-band notices for events a
// user was not around to see.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg/email"
)

const notifyTimeout = 15 * time.Second

// NotificationService sends missed-call notices.
type NotificationService interface {
	// NotifyMissedCall emails the callee in the background. Failures are
	// logged, never returned.
	NotifyMissedCall(call *models.Call, reason models.EndReason)
}

type notificationService struct {
	userGetter UserGetter
	sender     email.EmailSender
}

// NewNotificationService creates a NotificationService. A nil sender turns
// every notice into a no-op.
func NewNotificationService(userGetter UserGetter, sender email.EmailSender) NotificationService {
	return &notificationService{userGetter: userGetter, sender: sender}
}

// IsMissedCall reports whether a call that ended with reason, while in the
// given status, counts as missed for the callee.
func IsMissedCall(status models.CallStatus, reason models.EndReason) bool {
	switch reason {
	case models.EndReasonTimeout, models.EndReasonOffline:
		return true
	case models.EndReasonHangup, models.EndReasonDisconnect:
		return status == models.CallStatusRinging
	}
	return false
}

func (s *notificationService) NotifyMissedCall(call *models.Call, reason models.EndReason) {
	if s.sender == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		callee, err := s.userGetter.GetByID(ctx, call.CalleeID)
		if err != nil {
			log.Warn().Err(err).Msgf("[notify] missed call %s: callee lookup failed", call.ID)
			return
		}
		if callee.Email == "" {
			return
		}

		callerName := call.CallerID
		if caller, err := s.userGetter.GetByID(ctx, call.CallerID); err == nil {
			callerName = caller.Name()
		}

		err = s.sender.SendMissedCall(ctx, callee.Email, email.MissedCall{
			CallerName: callerName,
			MediaKind:  string(call.MediaKind),
			Reason:     string(reason),
		})
		if err != nil {
			log.Warn().Err(err).Msgf("[notify] missed call email to %s failed", callee.ID)
			return
		}
		log.Info().Msgf("[notify] missed call email sent: call=%s callee=%s", call.ID, callee.ID)
	}()
}

// Package services, ChatService: two-party message relay.
//
// Every send is persisted before it is relayed. The sender's sessions get a
// message_sent ack carrying the client key; the receiver's sessions get
// receive_message. A resend with the same client key is answered from the
// stored row, so a client retry never produces a second message.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/akinalp/medicall/models"
	"github.com/akinalp/medicall/pkg"
	"github.com/akinalp/medicall/pkg/ratelimit"
	"github.com/akinalp/medicall/repository"
	"github.com/akinalp/medicall/ws"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// message_failed reasons
const (
	FailReasonRateLimited = "rate_limited"
	FailReasonInvalid     = "invalid"
	FailReasonInternal    = "internal"
)

// UserGetter is the slice of UserRepository the chat and call services need.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

// ChatService relays chat between two users.
type ChatService interface {
	// Send persists and relays a message. A rejected send is reported to the
	// sender with message_failed as well as returned.
	Send(ctx context.Context, senderID string, req *models.SendMessageRequest) (*models.Message, error)
	Delete(ctx context.Context, userID, messageID string, scope models.DeleteScope) error
	Clear(ctx context.Context, userID, peerID string, scope models.DeleteScope) error
	History(ctx context.Context, userID, peerID, beforeID string, limit int) (*models.MessagePage, error)
	Contacts(ctx context.Context, userID string) ([]models.Contact, error)
	MarkRead(ctx context.Context, userID, peerID string) error
	// PostCallLog records a finished call in the conversation of its two
	// parties and delivers it like any other message.
	PostCallLog(ctx context.Context, call *models.Call, reason models.EndReason, endedAt time.Time) error
}

type chatService struct {
	messageRepo repository.MessageRepository
	readRepo    repository.ReadStateRepository
	userGetter  UserGetter
	hub         ws.EventPublisher
	limiter     *ratelimit.MessageRateLimiter
	now         func() time.Time
}

// NewChatService creates a ChatService. limiter may be nil to disable send
// rate limiting.
func NewChatService(
	messageRepo repository.MessageRepository,
	readRepo repository.ReadStateRepository,
	userGetter UserGetter,
	hub ws.EventPublisher,
	limiter *ratelimit.MessageRateLimiter,
) ChatService {
	return &chatService{
		messageRepo: messageRepo,
		readRepo:    readRepo,
		userGetter:  userGetter,
		hub:         hub,
		limiter:     limiter,
		now:         time.Now,
	}
}

func (s *chatService) Send(ctx context.Context, senderID string, req *models.SendMessageRequest) (*models.Message, error) {
	if err := req.Validate(); err != nil {
		s.fail(senderID, req.ClientKey, FailReasonInvalid, 0)
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}
	if req.ReceiverID == senderID {
		s.fail(senderID, req.ClientKey, FailReasonInvalid, 0)
		return nil, fmt.Errorf("%w: cannot message yourself", pkg.ErrBadRequest)
	}

	if s.limiter != nil && !s.limiter.Allow(senderID) {
		retryAfter := s.limiter.CooldownSeconds(senderID)
		s.fail(senderID, req.ClientKey, FailReasonRateLimited, retryAfter)
		return nil, fmt.Errorf("%w: retry in %ds", pkg.ErrRateLimited, retryAfter)
	}

	if _, err := s.userGetter.GetByID(ctx, req.ReceiverID); err != nil {
		reason := FailReasonInternal
		if errors.Is(err, pkg.ErrNotFound) {
			reason = FailReasonInvalid
		}
		s.fail(senderID, req.ClientKey, reason, 0)
		return nil, err
	}

	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Kind:       req.Kind,
		CreatedAt:  s.now().UTC(),
	}
	if req.ClientKey != "" {
		msg.ClientKey = lo.ToPtr(req.ClientKey)
	}

	if err := s.messageRepo.Create(ctx, msg); err != nil {
		if errors.Is(err, pkg.ErrAlreadyExists) && req.ClientKey != "" {
			// Retried send: ack the stored row again, don't deliver twice.
			existing, getErr := s.messageRepo.GetByClientKey(ctx, senderID, req.ClientKey)
			if getErr != nil {
				s.fail(senderID, req.ClientKey, FailReasonInternal, 0)
				return nil, getErr
			}
			s.hub.BroadcastToUser(senderID, ws.Event{Op: ws.OpMessageSent, Data: existing})
			log.Debug().Msgf("[chat] duplicate send acked: sender=%s key=%s", senderID, req.ClientKey)
			return existing, nil
		}
		s.fail(senderID, req.ClientKey, FailReasonInternal, 0)
		return nil, err
	}

	s.deliver(msg)
	return msg, nil
}

func (s *chatService) deliver(msg *models.Message) {
	s.hub.BroadcastToUser(msg.SenderID, ws.Event{Op: ws.OpMessageSent, Data: msg})
	s.hub.BroadcastToUser(msg.ReceiverID, ws.Event{Op: ws.OpReceiveMessage, Data: msg})
}

func (s *chatService) fail(senderID, clientKey, reason string, retryAfter int) {
	s.hub.BroadcastToUser(senderID, ws.Event{
		Op: ws.OpMessageFailed,
		Data: ws.MessageFailedData{
			ClientKey:  clientKey,
			Reason:     reason,
			RetryAfter: retryAfter,
		},
	})
}

func (s *chatService) Delete(ctx context.Context, userID, messageID string, scope models.DeleteScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: invalid scope %q", pkg.ErrBadRequest, scope)
	}

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return fmt.Errorf("%w: not part of this conversation", pkg.ErrForbidden)
	}

	peerID := msg.PeerOf(userID)

	if scope == models.DeleteScopeMe {
		if err := s.messageRepo.Hide(ctx, userID, messageID); err != nil {
			return err
		}
		s.hub.BroadcastToUser(userID, ws.Event{
			Op:   ws.OpMessageDeleted,
			Data: ws.MessageDeletedData{MessageID: messageID, PeerID: peerID, Scope: scope},
		})
		return nil
	}

	if msg.SenderID != userID {
		return fmt.Errorf("%w: only the sender can delete for everyone", pkg.ErrForbidden)
	}
	if err := s.messageRepo.Delete(ctx, messageID); err != nil {
		return err
	}

	s.hub.BroadcastToUser(userID, ws.Event{
		Op:   ws.OpMessageDeleted,
		Data: ws.MessageDeletedData{MessageID: messageID, PeerID: peerID, Scope: scope},
	})
	s.hub.BroadcastToUser(peerID, ws.Event{
		Op:   ws.OpMessageDeleted,
		Data: ws.MessageDeletedData{MessageID: messageID, PeerID: userID, Scope: scope},
	})
	return nil
}

func (s *chatService) Clear(ctx context.Context, userID, peerID string, scope models.DeleteScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: invalid scope %q", pkg.ErrBadRequest, scope)
	}
	if peerID == "" || peerID == userID {
		return fmt.Errorf("%w: invalid peer", pkg.ErrBadRequest)
	}

	if scope == models.DeleteScopeMe {
		n, err := s.messageRepo.HideConversation(ctx, userID, peerID)
		if err != nil {
			return err
		}
		log.Info().Msgf("[chat] %s cleared %d messages with %s for self", userID, n, peerID)
		s.hub.BroadcastToUser(userID, ws.Event{
			Op:   ws.OpChatCleared,
			Data: ws.ChatClearedData{PeerID: peerID, Scope: scope},
		})
		return nil
	}

	n, err := s.messageRepo.DeleteConversation(ctx, userID, peerID)
	if err != nil {
		return err
	}
	log.Info().Msgf("[chat] %s cleared %d messages with %s for everyone", userID, n, peerID)

	s.hub.BroadcastToUser(userID, ws.Event{
		Op:   ws.OpChatCleared,
		Data: ws.ChatClearedData{PeerID: peerID, Scope: scope},
	})
	s.hub.BroadcastToUser(peerID, ws.Event{
		Op:   ws.OpChatCleared,
		Data: ws.ChatClearedData{PeerID: userID, Scope: scope},
	})
	return nil
}

func (s *chatService) History(ctx context.Context, userID, peerID, beforeID string, limit int) (*models.MessagePage, error) {
	if peerID == "" {
		return nil, fmt.Errorf("%w: peer id is required", pkg.ErrBadRequest)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	// One extra row tells us whether an older page exists.
	rows, err := s.messageRepo.ListConversation(ctx, userID, peerID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []models.Message{}
	}
	slices.Reverse(rows)

	return &models.MessagePage{Messages: rows, HasMore: hasMore}, nil
}

func (s *chatService) Contacts(ctx context.Context, userID string) ([]models.Contact, error) {
	summaries, err := s.messageRepo.ListContacts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return []models.Contact{}, nil
	}

	users, err := s.userGetter.GetByIDs(ctx, lo.Map(summaries, func(c repository.ContactSummary, _ int) string {
		return c.PeerID
	}))
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(users, func(u models.User) string { return u.ID })

	contacts := make([]models.Contact, 0, len(summaries))
	for _, sum := range summaries {
		user, ok := byID[sum.PeerID]
		if !ok {
			continue
		}
		last := sum.LastMessage
		contacts = append(contacts, models.Contact{
			User:           &user,
			LastMessage:    &last,
			UnreadCount:    sum.UnreadCount,
			Online:         s.hub.IsOnline(sum.PeerID),
			LastActivityAt: last.CreatedAt,
		})
	}
	return contacts, nil
}

func (s *chatService) MarkRead(ctx context.Context, userID, peerID string) error {
	if peerID == "" {
		return fmt.Errorf("%w: peer id is required", pkg.ErrBadRequest)
	}
	return s.readRepo.MarkRead(ctx, userID, peerID, s.now())
}

func (s *chatService) PostCallLog(ctx context.Context, call *models.Call, reason models.EndReason, endedAt time.Time) error {
	duration := 0
	if call.AnsweredAt != nil {
		duration = int(endedAt.Sub(*call.AnsweredAt).Seconds())
	}

	content, err := json.Marshal(models.CallLog{
		CallID:          call.ID,
		MediaKind:       call.MediaKind,
		Reason:          reason,
		DurationSeconds: duration,
	})
	if err != nil {
		return fmt.Errorf("failed to encode call log: %w", err)
	}

	msg := &models.Message{
		SenderID:   call.CallerID,
		ReceiverID: call.CalleeID,
		Content:    string(content),
		Kind:       models.MessageKindCallLog,
		ClientKey:  lo.ToPtr("call:" + call.ID),
		CreatedAt:  endedAt.UTC(),
	}
	if err := s.messageRepo.Create(ctx, msg); err != nil {
		if errors.Is(err, pkg.ErrAlreadyExists) {
			return nil
		}
		return err
	}

	s.deliver(msg)
	return nil
}

package main

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/config"
	"github.com/akinalp/medicall/pkg/email"
	"github.com/akinalp/medicall/pkg/ratelimit"
	"github.com/akinalp/medicall/services"
	"github.com/akinalp/medicall/ws"
)

// Services holds every service instance.
type Services struct {
	Auth         services.AuthService
	Presence     services.PresenceService
	Chat         services.ChatService
	Call         services.CallService
	Notification services.NotificationService
	Upload       services.UploadService
}

// RateLimiters holds the limiters so main can stop their cleanup loops.
type RateLimiters struct {
	Login   *ratelimit.LoginRateLimiter
	Message *ratelimit.MessageRateLimiter
}

// Stop ends every limiter's cleanup goroutine.
func (r *RateLimiters) Stop() {
	r.Login.Stop()
	r.Message.Stop()
}

// initServices builds the services. Chat comes before Call because every
// finished call is written into the conversation.
func initServices(repos *Repositories, hub *ws.Hub, cfg *config.Config) (*Services, *RateLimiters) {
	limiters := &RateLimiters{
		Login:   ratelimit.NewLoginRateLimiter(5, 2*time.Minute),
		Message: ratelimit.NewMessageRateLimiter(cfg.Chat.RateLimitCount, cfg.Chat.RateLimitWindow, cfg.Chat.RateLimitCooldown),
	}

	var sender email.EmailSender
	if cfg.Email.ResendAPIKey != "" {
		sender = email.NewResendSender(cfg.Email.ResendAPIKey, cfg.Email.From, cfg.Email.AppURL)
		log.Info().Msg("[main] missed-call email enabled")
	} else {
		log.Warn().Msg("[main] RESEND_API_KEY not set, missed-call email disabled")
	}

	authService := services.NewAuthService(
		repos.User,
		cfg.JWT.Secret,
		cfg.JWT.AccessTokenExpiry,
		cfg.JWT.RefreshTokenExpiry,
	)
	presenceService := services.NewPresenceService(repos.Presence, hub, hub, cfg.Presence.Timeout)
	chatService := services.NewChatService(repos.Message, repos.ReadState, repos.User, hub, limiters.Message)
	notificationService := services.NewNotificationService(repos.User, sender)
	callService := services.NewCallService(repos.User, hub, chatService, notificationService, cfg.Call.RingTimeout)
	uploadService := services.NewUploadService(cfg.Upload.Dir, uploadsURLPrefix, cfg.Upload.MaxSize)

	return &Services{
		Auth:         authService,
		Presence:     presenceService,
		Chat:         chatService,
		Call:         callService,
		Notification: notificationService,
		Upload:       uploadService,
	}, limiters
}

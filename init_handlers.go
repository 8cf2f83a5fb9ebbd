package main

import (
	"github.com/akinalp/medicall/config"
	"github.com/akinalp/medicall/handlers"
)

// Handlers holds every REST handler.
type Handlers struct {
	Auth     *handlers.AuthHandler
	Chat     *handlers.ChatHandler
	Upload   *handlers.UploadHandler
	Presence *handlers.PresenceHandler
}

func initHandlers(svcs *Services, limiters *RateLimiters, cfg *config.Config) *Handlers {
	return &Handlers{
		Auth:     handlers.NewAuthHandler(svcs.Auth, limiters.Login),
		Chat:     handlers.NewChatHandler(svcs.Chat),
		Upload:   handlers.NewUploadHandler(svcs.Upload, cfg.Upload.MaxSize),
		Presence: handlers.NewPresenceHandler(svcs.Presence),
	}
}

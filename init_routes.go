package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/akinalp/medicall/config"
	"github.com/akinalp/medicall/middleware"
	"github.com/akinalp/medicall/services"
	"github.com/akinalp/medicall/ws"
)

// uploadsURLPrefix is where stored attachments are served.
const uploadsURLPrefix = "/uploads/"

// initRoutes registers every endpoint on mux.
func initRoutes(
	mux *http.ServeMux,
	h *Handlers,
	wsHandler *ws.Handler,
	authService services.AuthService,
	users middleware.UserLookup,
	cfg *config.Config,
) {
	authMw := middleware.NewAuthMiddleware(authService, users)
	auth := func(handler http.HandlerFunc) http.Handler {
		return authMw.Require(handler)
	}

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","service":"medicall"}`)
	})

	// ─── Auth ───
	mux.HandleFunc("POST /api/auth/register", h.Auth.Register)
	mux.HandleFunc("POST /api/auth/login", h.Auth.Login)
	mux.HandleFunc("POST /api/auth/refresh", h.Auth.Refresh)
	mux.Handle("GET /api/users/me", auth(h.Auth.Me))

	// ─── Chat ───
	mux.Handle("GET /api/messages/{peerId}", auth(h.Chat.History))
	mux.Handle("GET /api/contacts", auth(h.Chat.Contacts))
	mux.Handle("POST /api/uploads", auth(h.Upload.Upload))

	// ─── Presence ───
	mux.Handle("GET /api/presence", auth(h.Presence.Online))

	// Stored attachments. Only flat file names are served.
	fileServer := http.FileServer(http.Dir(cfg.Upload.Dir))
	mux.Handle("GET "+uploadsURLPrefix, http.StripPrefix(uploadsURLPrefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.ContainsAny(r.URL.Path, `/\`) {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})))

	// Browsers cannot set headers on a WebSocket upgrade, so the access
	// token travels as ?token= and the ws handler checks it itself.
	mux.HandleFunc("GET /ws", wsHandler.HandleConnection)
}

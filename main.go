// Package main is the medicall coordinator: the server side of the
// real-time channel used by patients and doctors for presence, calls and
// chat.
//
// main only wires things together:
//  1. config and logging
//  2. database and repositories
//  3. WebSocket hub
//  4. services, with hub callbacks registered before the hub runs
//  5. handlers, routes and CORS
//  6. presence sweep on a cron schedule
//  7. HTTP server and graceful shutdown
package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/config"
	"github.com/akinalp/medicall/database"
	"github.com/akinalp/medicall/middleware"
	"github.com/akinalp/medicall/pkg/logger"
	"github.com/akinalp/medicall/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to load config")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().Msgf("[main] medicall starting (port=%d)", cfg.Server.Port)

	// ─── Database ───
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to open embedded migrations")
	}
	db, err := database.New(cfg.Database.Path, migrations)
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to initialize database")
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.Upload.Dir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("[main] failed to create upload directory")
	}

	repos, closeRepos := initRepositories(db.Conn, cfg)
	defer closeRepos()

	// ─── Hub and services ───
	hub := ws.NewHub(cfg.Presence.HeartbeatInterval)

	svcs, limiters := initServices(repos, hub, cfg)
	defer limiters.Stop()

	// Callbacks must be set before Run; the hub reads them without locking.
	registerHubCallbacks(hub, svcs)
	go hub.Run()

	// ─── HTTP ───
	h := initHandlers(svcs, limiters, cfg)
	wsHandler := ws.NewHandler(hub, svcs.Auth, cfg.CORS.Origins)

	users := middleware.NewCachedUserLookup(repos.User, 30*time.Second)
	defer users.Close()

	mux := http.NewServeMux()
	initRoutes(mux, h, wsHandler, svcs.Auth, users, cfg)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           corsHandler.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ─── Presence sweep ───
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	if _, err := quartz.AddFunc(cfg.Presence.SweepSpec, func() {
		svcs.Presence.Sweep(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Msgf("[main] invalid PRESENCE_SWEEP_SPEC %q", cfg.Presence.SweepSpec)
	}
	quartz.Start()

	// ─── Serve until signalled ───
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Msgf("[main] server listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("[main] server error")
		}
	}()

	<-done
	log.Info().Msg("[main] shutting down...")

	<-quartz.Stop().Done()

	// WebSocket connections are hijacked, so srv.Shutdown does not wait
	// for them. Close them first.
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("[main] forced shutdown")
	}

	log.Info().Msg("[main] server stopped gracefully")
}

package main

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/medicall/config"
	"github.com/akinalp/medicall/repository"
)

// Repositories holds every repository instance.
type Repositories struct {
	User      repository.UserRepository
	Message   repository.MessageRepository
	ReadState repository.ReadStateRepository
	Presence  repository.PresenceStore
}

// initRepositories builds the repositories. Presence lives in Redis when
// REDIS_ADDR is set so several coordinators share liveness, otherwise in
// memory. The returned func releases the Redis client.
func initRepositories(db *sql.DB, cfg *config.Config) (*Repositories, func()) {
	repos := &Repositories{
		User:      repository.NewSQLiteUserRepo(db),
		Message:   repository.NewSQLiteMessageRepo(db),
		ReadState: repository.NewSQLiteReadStateRepo(db),
	}

	if !cfg.Redis.Enabled() {
		repos.Presence = repository.NewMemoryPresenceStore()
		log.Info().Msg("[main] presence store: memory")
		return repos, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	repos.Presence = repository.NewRedisPresenceStore(rdb)
	log.Info().Msgf("[main] presence store: redis at %s", cfg.Redis.Addr)

	return repos, func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("[main] failed to close redis client")
		}
	}
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceKey is a sorted set: member = user id, score = last heartbeat in
// unix milliseconds. Several coordinator instances can share it.
const presenceKey = "presence:last_seen"

type redisPresenceStore struct {
	rdb *redis.Client
}

// NewRedisPresenceStore returns a PresenceStore kept in Redis.
func NewRedisPresenceStore(rdb *redis.Client) PresenceStore {
	return &redisPresenceStore{rdb: rdb}
}

// Touch uses ZADD GT so a late write never moves the mark backwards.
func (s *redisPresenceStore) Touch(ctx context.Context, userID string, at time.Time) error {
	err := s.rdb.ZAddGT(ctx, presenceKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to touch presence: %w", err)
	}
	return nil
}

func (s *redisPresenceStore) Remove(ctx context.Context, userID string) error {
	if err := s.rdb.ZRem(ctx, presenceKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

func (s *redisPresenceStore) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, presenceKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale presence: %w", err)
	}
	return ids, nil
}

func (s *redisPresenceStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	score, err := s.rdb.ZScore(ctx, presenceKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read presence: %w", err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

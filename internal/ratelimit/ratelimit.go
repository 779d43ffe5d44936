// Package ratelimit enforces a sliding-window request cap per user, backed
// by Redis with an in-memory fallback when Redis calls fail.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter is a sliding-window limiter keyed by user id.
type Limiter struct {
	client  *redis.Client
	enabled bool
	prefix  string
	window  time.Duration
	max     int
	log     zerolog.Logger

	mu       sync.Mutex
	fallback map[string][]time.Time
}

func New(client *redis.Client, enabled bool, prefix string, window time.Duration, max int, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client:   client,
		enabled:  enabled,
		prefix:   prefix,
		window:   window,
		max:      max,
		log:      logger,
		fallback: make(map[string][]time.Time),
	}
}

// Allow reports whether userID may make another request right now. When
// rate limiting is disabled by configuration, it always allows.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	if !l.enabled {
		return true
	}

	allowed, err := l.allowRedis(ctx, userID)
	if err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("ratelimit redis failed, falling back to in-memory")
		return l.allowMemory(userID)
	}
	return allowed
}

func (l *Limiter) allowRedis(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("%s%s", l.prefix, userID)
	now := time.Now()
	windowStart := now.Add(-l.window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: now.UnixNano()})
	card := pipe.ZCard(ctx, key)
	pipe.PExpire(ctx, key, l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit pipeline: %w", err)
	}

	return card.Val() <= int64(l.max), nil
}

func (l *Limiter) allowMemory(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	times := l.fallback[userID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.fallback[userID] = kept

	return len(kept) <= l.max
}

// Package database owns the durable store connection: Round, Bet, User,
// Transaction, PriceSnapshot and HousePool all live here. Redis-class state
// (locks, reservations, rate limiters) is owned by internal/cache instead.
package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/housegrid/rowgrid/internal/config"
)

// Service is the narrow surface the rest of the engine depends on. Kept
// small on purpose so components can be tested against a fake.
type Service interface {
	Pool() *pgxpool.Pool
	Health() map[string]string
	Close() error
}

type service struct {
	pool *pgxpool.Pool
}

// New opens the durable-store connection pool. Callers are expected to call
// Close during graceful shutdown.
func New(ctx context.Context, cfg *config.Config) (Service, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolCfg.MaxConns = 25
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &service{pool: pool}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *service) Health() map[string]string {
	stats := make(map[string]string)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	st := s.pool.Stat()
	stats["status"] = "up"
	stats["message"] = "It's healthy"
	stats["total_conns"] = strconv.Itoa(int(st.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(st.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(st.AcquiredConns()))

	return stats
}

func (s *service) Close() error {
	s.pool.Close()
	return nil
}

// Package config loads the engine's typed configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
)

// Config is the full configuration surface enumerated by the engine spec.
// Every field maps to one of the env vars in §6.4; struct tags carry the
// defaults so a bare `env:"FOO"` deployment still boots sanely.
type Config struct {
	// Database / cache
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USERNAME" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_DATABASE" envDefault:"rowgrid"`
	DBSchema   string `env:"DB_SCHEMA" envDefault:"public"`

	RedisURL      string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Round timing
	Asset           string        `env:"ASSET" envDefault:"BTCUSDT"`
	BettingDuration time.Duration `env:"BETTING_DURATION" envDefault:"5s"`
	MaxDuration     time.Duration `env:"MAX_DURATION" envDefault:"60s"`
	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"16ms"`
	TickEmitRate    time.Duration `env:"TICK_EMIT_RATE" envDefault:"100ms"`
	PriceStaleWindow time.Duration `env:"PRICE_STALE_WINDOW" envDefault:"3s"`

	// Bet bounds
	MinBetAmountCents int64 `env:"MIN_BET_AMOUNT_CENTS" envDefault:"100"`
	MaxBetAmountCents int64 `env:"MAX_BET_AMOUNT_CENTS" envDefault:"1000000"`
	MaxBetsPerUser    int   `env:"MAX_BETS_PER_USER" envDefault:"10"`
	MaxActiveBets     int   `env:"MAX_ACTIVE_BETS" envDefault:"0"` // 0 = unbounded
	MaxBetsPerSecond  int   `env:"MAX_BETS_PER_SECOND" envDefault:"5"`

	// Grid
	MinRow             int     `env:"MIN_ROW" envDefault:"-20"`
	MaxRow             int     `env:"MAX_ROW" envDefault:"20"`
	HitRowTolerance    float64 `env:"HIT_ROW_TOLERANCE" envDefault:"0.5"`
	HitTimeTolerance   float64 `env:"HIT_TIME_TOLERANCE" envDefault:"0.25"`
	MinTargetTimeOffset float64 `env:"MIN_TARGET_TIME_OFFSET" envDefault:"0.5"`
	RowSensitivity     float64 `env:"ROW_SENSITIVITY" envDefault:"1000"`

	// Snapshots
	MaxSnapshotQueue          int           `env:"MAX_SNAPSHOT_QUEUE" envDefault:"20000"`
	SnapshotFlushBatchSize    int           `env:"SNAPSHOT_FLUSH_BATCH_SIZE" envDefault:"500"`
	SnapshotFlushRetryBaseMS  time.Duration `env:"SNAPSHOT_FLUSH_RETRY_BASE_MS" envDefault:"1s"`
	SnapshotFlushRetryMaxMS   time.Duration `env:"SNAPSHOT_FLUSH_RETRY_MAX_MS" envDefault:"30s"`
	SnapshotSampleInterval    time.Duration `env:"REDIS_SAMPLE_MS" envDefault:"100ms"`

	// Settlement
	SettlementDrainInterval time.Duration `env:"SETTLEMENT_DRAIN_INTERVAL" envDefault:"500ms"`

	// Risk
	MaxRoundPayout     string `env:"MAX_ROUND_PAYOUT" envDefault:"0.5"` // ratio <=1, else absolute cents
	HousePoolBalance   int64  `env:"HOUSE_POOL_BALANCE" envDefault:"100000000"`

	// Rate limiting
	RateLimitRedisEnabled bool   `env:"RATE_LIMIT_REDIS_ENABLED" envDefault:"true"`
	RateLimitRedisPrefix  string `env:"RATE_LIMIT_REDIS_PREFIX" envDefault:"ratelimit:"`
	RateLimitWindow       time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`

	// Server
	Port string `env:"PORT" envDefault:"8080"`
	Env  string `env:"APP_ENV" envDefault:"development"`

	// Webhook
	RechargeWebhookSecret string `env:"RECHARGE_WEBHOOK_SECRET" envDefault:"changeme"`
}

// Load parses the process environment into a Config, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DSN builds the postgres connection string used by both the pgx pool and
// the migration CLI.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema)
}

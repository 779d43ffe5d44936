package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/housegrid/rowgrid/internal/config"
)

func TestNew_BadAddr(t *testing.T) {
	cfg := &config.Config{RedisURL: "invalid_host:9999"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, cfg, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error connecting to an unreachable redis address")
	}
}

func TestService_Interface(t *testing.T) {
	var _ Service = (*service)(nil)
}

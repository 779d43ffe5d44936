// Command server boots the rowgrid wagering engine: durable store, cache,
// every internal service, one round engine per configured asset, and the
// HTTP/WebSocket gateway.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/housegrid/rowgrid/internal/cache"
	"github.com/housegrid/rowgrid/internal/config"
	"github.com/housegrid/rowgrid/internal/database"
	"github.com/housegrid/rowgrid/internal/housepool"
	"github.com/housegrid/rowgrid/internal/ledger"
	"github.com/housegrid/rowgrid/internal/lock"
	"github.com/housegrid/rowgrid/internal/logging"
	"github.com/housegrid/rowgrid/internal/marketfeed"
	"github.com/housegrid/rowgrid/internal/ratelimit"
	"github.com/housegrid/rowgrid/internal/risk"
	"github.com/housegrid/rowgrid/internal/round"
	"github.com/housegrid/rowgrid/internal/server"
	"github.com/housegrid/rowgrid/internal/settlement"
	"github.com/housegrid/rowgrid/internal/snapshot"
	"github.com/housegrid/rowgrid/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.Env, "rowgrid")

	db, err := database.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer db.Close()

	cacheSvc, err := cache.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cache connect failed")
	}
	defer cacheSvc.Close()

	ledgerSvc := ledger.New(db.Pool(), log)
	housepoolSvc := housepool.New(db.Pool())
	if err := housepoolSvc.EnsureSeeded(ctx, cfg.Asset, cfg.HousePoolBalance); err != nil {
		log.Fatal().Err(err).Msg("housepool seed failed")
	}

	locks := lock.New(cacheSvc.GetClient())
	riskMgr := risk.New(cacheSvc.GetClient(), cfg.MaxBetAmountCents, 24*time.Hour)
	limiter := ratelimit.New(cacheSvc.GetClient(), cfg.RateLimitRedisEnabled, cfg.RateLimitRedisPrefix, cfg.RateLimitWindow, cfg.MaxBetsPerSecond, log)

	snapshots := snapshot.New(db.Pool(), log, cfg.MaxSnapshotQueue, cfg.SnapshotFlushBatchSize, cfg.SnapshotFlushRetryBaseMS, cfg.SnapshotFlushRetryMaxMS)

	hub := round.NewHub(log)
	go hub.Run()

	settle := settlement.New(db.Pool(), ledgerSvc, housepoolSvc, snapshots, round.NewHubEventSink(hub), log)
	settle.StartDrainLoop(ctx, cfg.SettlementDrainInterval)
	defer settle.StopDrainLoop()

	feed := marketfeed.NewMemorySource()
	feed.Push(cfg.Asset, 100.0, time.Now())

	registry := round.NewRegistry()
	engine := round.NewEngine(cfg.Asset, cfg, log, db.Pool(), ledgerSvc, housepoolSvc, locks, riskMgr, snapshots, settle, feed, limiter, hub)
	registry.Register(cfg.Asset, engine)
	engine.StartAutoRound(ctx)
	defer engine.Stop(context.Background())

	webhookHandler := webhook.New(cfg.RechargeWebhookSecret, ledgerSvc)

	srv := server.New(cfg, db, cacheSvc, ledgerSvc, registry, hub, webhookHandler, log)

	go func() {
		if err := srv.Listen(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.ShutdownWithContext(shutdownCtx)
}

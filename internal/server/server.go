// Package server wires the HTTP/WebSocket gateway on top of the round
// engine. It is a thin external collaborator: all wagering logic lives in
// internal/round and its dependencies, not here.
package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/housegrid/rowgrid/internal/cache"
	"github.com/housegrid/rowgrid/internal/config"
	"github.com/housegrid/rowgrid/internal/database"
	"github.com/housegrid/rowgrid/internal/ledger"
	"github.com/housegrid/rowgrid/internal/round"
	"github.com/housegrid/rowgrid/internal/webhook"
)

// FiberServer embeds *fiber.App and holds the services every handler
// needs to reach the engine.
type FiberServer struct {
	*fiber.App

	cfg      *config.Config
	db       database.Service
	cacheSvc cache.Service
	ledger   ledger.Service
	registry *round.Registry
	hub      *round.Hub
	webhook  *webhook.Handler
	log      zerolog.Logger
}

func New(cfg *config.Config, db database.Service, cacheSvc cache.Service, ledgerSvc ledger.Service, registry *round.Registry, hub *round.Hub, webhookHandler *webhook.Handler, logger zerolog.Logger) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader: "rowgrid",
			AppName:      "rowgrid",
		}),
		cfg:      cfg,
		db:       db,
		cacheSvc: cacheSvc,
		ledger:   ledgerSvc,
		registry: registry,
		hub:      hub,
		webhook:  webhookHandler,
		log:      logger,
	}

	server.RegisterRoutes()
	return server
}

func (s *FiberServer) defaultAsset() (*round.Engine, error) {
	return s.registry.Get(s.cfg.Asset)
}

func (s *FiberServer) engineForAsset(asset string) (*round.Engine, error) {
	if asset == "" {
		return s.defaultAsset()
	}
	e, err := s.registry.Get(asset)
	if err != nil {
		return nil, fmt.Errorf("unknown asset %s: %w", asset, err)
	}
	return e, nil
}

// Package app wires configuration, storage, tokens, engine and API
// together in startup order.
package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"otc_book/internal/api"
	"otc_book/internal/engine"
	"otc_book/internal/infra"
	"otc_book/internal/infra/storage"
	"otc_book/internal/token"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Tokens  *token.Registry
	Engine  *engine.Engine
	Feed    *api.Feed
	Router  *gin.Engine
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping OTC Book...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	dbPath := cfg.DB.Path
	if dbPath == "" {
		dbPath = "data/otcbook.db"
	}
	store, err := storage.NewStorage(dbPath, logger)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", "path", dbPath)

	// 4. Token registry from the configured asset list
	b.Tokens = token.NewRegistry()
	for _, a := range cfg.Assets {
		b.Tokens.Register(token.NewLedger(a.Symbol), a.Allowed)
	}
	slog.Info("✅ Token registry ready", "assets", len(cfg.Assets))

	// 5. Engine over journal + websocket feed + metrics sinks
	b.Feed = api.NewFeed(logger)
	engCfg := engine.Config{
		Expiry:        time.Duration(cfg.Engine.ExpirySec) * time.Second,
		Grace:         time.Duration(cfg.Engine.GraceSec) * time.Second,
		MaxBatch:      cfg.Engine.MaxBatch,
		MaxRetries:    cfg.Engine.MaxRetries,
		FeeAsset:      cfg.Engine.FeeAsset,
		FeeMultiplier: cfg.Engine.FeeMultiplier,
		BandLow:       cfg.Engine.BandLow,
		BandHigh:      cfg.Engine.BandHigh,
		EngineAddress: cfg.Engine.Address,
	}
	b.Engine = engine.New(engCfg, b.Tokens, nil, nil, logger,
		b.Storage, b.Feed, infra.MetricsSink{})

	// 6. Restore persisted state
	snap, orders, err := store.Load()
	if err != nil {
		return fmt.Errorf("state restore failed: %w", err)
	}
	b.Engine.Restore(snap, orders)
	slog.Info("✅ Engine state restored",
		"orders", len(orders), "next_id", snap.NextID, "first_open_id", snap.FirstOpenID)

	// 7. HTTP router
	router := gin.New()
	router.Use(gin.Recovery())
	handler := api.NewHandler(b.Engine, b.Tokens, b.Storage, b.Feed, cfg.Engine.MaxPageSize)
	handler.RegisterRoutes(router)
	b.Router = router

	return nil
}

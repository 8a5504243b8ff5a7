// Package main is the entry point for the volatility-rebalancing engine.
// It wires the databases, repositories and services, starts the live
// orchestrator and the maintenance scheduler, and shuts down gracefully
// on SIGINT/SIGTERM, draining in-flight evaluation cycles with a bounded
// timeout.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/clientdata"
	"github.com/iharari2/volbalance/internal/clients/marketdata"
	"github.com/iharari2/volbalance/internal/config"
	"github.com/iharari2/volbalance/internal/configstore"
	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/dividends"
	"github.com/iharari2/volbalance/internal/modules/evaluation"
	"github.com/iharari2/volbalance/internal/modules/orders"
	"github.com/iharari2/volbalance/internal/modules/positions"
	"github.com/iharari2/volbalance/internal/scheduler"
	"github.com/iharari2/volbalance/pkg/logger"
)

// drainTimeout bounds graceful shutdown; cycles still in flight after
// this roll back.
const drainTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrapLog := zerolog.New(os.Stderr)
		bootstrapLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting volatility-rebalancing engine")

	// Databases: portfolio (positions), ledger (audit trail), config
	// (strategy configuration), cache (client data).
	openDB := func(name string, profile database.Profile) *database.DB {
		db, err := database.New(database.Config{
			Path:    cfg.DatabasePath(name),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			log.Fatal().Err(err).Str("db", name).Msg("Failed to open database")
		}
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("db", name).Msg("Failed to migrate database")
		}
		return db
	}
	portfolioDB := openDB("portfolio", database.ProfileStandard)
	defer portfolioDB.Close()
	ledgerDB := openDB("ledger", database.ProfileLedger)
	defer ledgerDB.Close()
	configDB := openDB("config", database.ProfileStandard)
	defer configDB.Close()
	cacheDB := openDB("cache", database.ProfileCache)
	defer cacheDB.Close()

	clock := domain.RealClock{}
	ids := domain.UUIDGenerator{}

	// Repositories.
	positionRepo := positions.NewRepository(portfolioDB.Conn(), log)
	orderRepo := orders.NewOrderRepository(ledgerDB.Conn(), log)
	tradeRepo := orders.NewTradeRepository(ledgerDB.Conn(), log)
	eventRepo := events.NewRepository(ledgerDB.Conn(), log)
	timelineRepo := evaluation.NewTimelineRepository(ledgerDB.Conn(), log)
	dividendRepo := dividends.NewRepository(ledgerDB.Conn(), log)
	cacheRepo := clientdata.NewRepository(cacheDB.Conn())
	configRepo := configstore.NewRepository(configDB.Conn(), log)
	configCache := configstore.NewCachedStore(configRepo, time.Minute, clock)

	// Market data: optional websocket stream in front of the REST client.
	var stream *marketdata.Stream
	if cfg.MarketDataStreamURL != "" {
		tickers := activeTickers(positionRepo, log)
		stream = marketdata.NewStream(cfg.MarketDataStreamURL, tickers, clock, log)
		stream.Start()
		defer stream.Stop()
	}
	provider := marketdata.NewClient(marketdata.ClientConfig{
		BaseURL: cfg.MarketDataURL,
		APIKey:  cfg.MarketDataAPIKey,
		Timeout: cfg.QuoteTimeout,
	}, cacheRepo, stream, log)

	// Use-cases.
	orderSvc := orders.NewService(
		ledgerDB.Conn(), orderRepo, tradeRepo, eventRepo, positionRepo,
		configCache, evaluation.GuardrailEvaluator{}, clock, ids, "live", log,
	)
	evaluator := evaluation.NewService(
		ledgerDB.Conn(), positionRepo, orderRepo, orderSvc, eventRepo,
		timelineRepo, configCache, clock, ids, "live", log,
	)
	dividendSvc := dividends.NewService(
		ledgerDB.Conn(), dividendRepo, eventRepo, positionRepo, clock, ids, "live", log,
	)

	// Orchestration.
	orchestrator := scheduler.NewOrchestrator(
		scheduler.OrchestratorConfig{
			PollInterval: cfg.PollInterval,
			QuoteTimeout: cfg.QuoteTimeout,
			Workers:      cfg.Workers,
		},
		positionRepo, evaluator, dividendSvc, dividendRepo, provider, eventRepo, clock, log,
	)

	maintenance := scheduler.NewMaintenance(
		[]*database.DB{portfolioDB, ledgerDB, configDB, cacheDB},
		cacheRepo, timelineRepo, cfg.DataDir, cfg.TimelineRetention, log,
	)
	if err := maintenance.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance scheduler")
	}
	defer maintenance.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	orchestratorDone := make(chan struct{})
	go func() {
		defer close(orchestratorDone)
		orchestrator.Run(ctx)
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	select {
	case <-orchestratorDone:
	case <-time.After(drainTimeout):
		log.Warn().Dur("timeout", drainTimeout).Msg("Drain timeout exceeded, aborting in-flight cycles")
	}

	log.Info().Msg("Shutdown complete")
}

// activeTickers collects the distinct symbols of non-stopped positions
// for the stream subscription.
func activeTickers(repo *positions.Repository, log zerolog.Logger) []string {
	all, err := repo.ListAll()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list positions for stream subscription")
		return nil
	}
	seen := make(map[string]bool)
	var tickers []string
	for _, p := range all {
		if p.TradingState == domain.TradingStateStopped || seen[p.AssetSymbol] {
			continue
		}
		seen[p.AssetSymbol] = true
		tickers = append(tickers, p.AssetSymbol)
	}
	return tickers
}

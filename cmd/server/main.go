// Package main is the entry point for the Meridian portfolio aggregation service.
// It wires the venue adapters, the credential vault, the module services and the
// background scheduler together, then serves the REST API until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/config"
	"github.com/hexaphore/meridian/internal/database"
	"github.com/hexaphore/meridian/internal/events"
	"github.com/hexaphore/meridian/internal/modules/alerts"
	"github.com/hexaphore/meridian/internal/modules/arbitrage"
	"github.com/hexaphore/meridian/internal/modules/history"
	"github.com/hexaphore/meridian/internal/modules/markets"
	"github.com/hexaphore/meridian/internal/modules/portfolio"
	"github.com/hexaphore/meridian/internal/modules/risk"
	"github.com/hexaphore/meridian/internal/modules/users"
	"github.com/hexaphore/meridian/internal/reliability"
	"github.com/hexaphore/meridian/internal/scheduler"
	"github.com/hexaphore/meridian/internal/server"
	"github.com/hexaphore/meridian/internal/vault"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/binance"
	"github.com/hexaphore/meridian/internal/venues/bybit"
	"github.com/hexaphore/meridian/internal/venues/drift"
	"github.com/hexaphore/meridian/internal/venues/evmdex"
	"github.com/hexaphore/meridian/internal/venues/hyperliquid"
	"github.com/hexaphore/meridian/internal/venues/jupiter"
	"github.com/hexaphore/meridian/internal/venues/kalshi"
	"github.com/hexaphore/meridian/internal/venues/manifold"
	"github.com/hexaphore/meridian/internal/venues/meteora"
	"github.com/hexaphore/meridian/internal/venues/mexc"
	"github.com/hexaphore/meridian/internal/venues/orca"
	"github.com/hexaphore/meridian/internal/venues/polymarket"
	"github.com/hexaphore/meridian/internal/venues/pumpfun"
	"github.com/hexaphore/meridian/internal/venues/raydium"
	"github.com/hexaphore/meridian/internal/venues/solana"
	"github.com/hexaphore/meridian/pkg/logger"
)

func main() {
	// Bootstrap logger until the configured one takes over
	log := logger.New(logger.Config{
		Level:  "info",
		Pretty: true,
	})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log = logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
	})

	log.Info().Str("data_dir", cfg.DataDir).Bool("dry_run", cfg.DryRun).Msg("Starting Meridian")

	// Initialize database
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileStandard,
		Name:    "meridian",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	conn := db.Conn()
	ctx := context.Background()

	// Credential vault. Refuses to start without a full-length key so
	// stored API credentials are never written recoverable.
	v, err := vault.New(conn, cfg.VaultKey, vault.Options{
		FailureThreshold: cfg.CooldownThreshold,
		CooldownBase:     cfg.CooldownBase,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential vault (set MERIDIAN_VAULT_KEY)")
	}

	// Venue adapters
	registry := buildRegistry(cfg, log)

	// Event bus and repositories
	bus := events.NewBus(log)

	usersRepo := users.NewRepository(conn, log)
	sessionsRepo := users.NewSessionRepository(conn, log)
	positionsRepo := portfolio.NewRepository(conn, log)
	snapshotsRepo := portfolio.NewSnapshotRepository(conn, log)
	historyRepo := history.NewRepository(conn, log)
	marketsRepo := markets.NewRepository(conn, log)
	indexRepo := markets.NewIndexRepository(conn)
	matchRepo := arbitrage.NewMatchRepository(conn, log)
	oppRepo := arbitrage.NewOpportunityRepository(conn, log)
	alertsRepo := alerts.NewRepository(conn, log)
	jobsRepo := scheduler.NewRepository(conn, log)

	// Services
	portfolioSvc := portfolio.NewService(v, registry, positionsRepo, snapshotsRepo, bus, portfolio.Options{
		FetchTimeout: cfg.FetchTimeout,
		SummaryTTL:   cfg.SummaryTTL,
	}, log)
	defer portfolioSvc.Stop()

	historySvc := history.NewService(v, registry, historyRepo, bus, log)
	riskSvc := risk.NewService(portfolioSvc, log)

	// No chat transport ships with the core binary; triggered alerts are
	// recorded and logged. A front-end wires its own transport.
	alertSvc := alerts.NewService(alertsRepo, nil, bus, alerts.Options{DryRun: cfg.DryRun}, log)
	alertSvc.Start()
	defer alertSvc.Stop()

	// Arbitrage engine
	engine := arbitrage.NewEngine(registry, matchRepo, oppRepo, marketsRepo, indexRepo, bus, arbitrage.Options{
		PollInterval:       cfg.ArbPollInterval,
		OpportunityTTL:     cfg.OpportunityTTL,
		PriceTTL:           cfg.PriceCacheTTL,
		MinSpread:          cfg.MinSpread,
		MinMatchConfidence: cfg.MinMatchConfidence,
	}, log)
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start arbitrage engine")
	}
	defer engine.Stop()

	// Live prices for the Polymarket legs of persisted matches
	stream := startPriceStream(ctx, cfg, engine, bus, log)
	if stream != nil {
		defer stream.Stop()
	}

	// Backups and maintenance
	var uploader *reliability.Uploader
	if cfg.Backup.Enabled() {
		uploader, err = reliability.NewUploader(ctx, cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Off-site backup upload disabled, keeping local copies only")
			uploader = nil
		}
	}
	backups := reliability.NewManager(db, cfg.BackupDir(), cfg.BackupRetention, uploader, bus, log)
	maint := reliability.NewMaintenance(db, backups, log)

	// Scheduler and background jobs
	sched := scheduler.New(log)
	runner := scheduler.NewRunner(jobsRepo, bus, log)
	deps := jobDeps{
		users:     usersRepo,
		sessions:  sessionsRepo,
		portfolio: portfolioSvc,
		snapshots: snapshotsRepo,
		history:   historySvc,
		engine:    engine,
		markets:   marketsRepo,
		index:     indexRepo,
		opps:      oppRepo,
		backups:   backups,
		maint:     maint,
	}
	if err := registerJobs(ctx, sched, runner, jobsRepo, cfg, deps, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()
	defer sched.Stop()

	// Initialize HTTP server
	srv := server.New(server.Config{
		Log:       log,
		DB:        db,
		Registry:  registry,
		Portfolio: portfolioSvc,
		History:   historySvc,
		Risk:      riskSvc,
		Alerts:    alertSvc,
		Arbitrage: engine,
		Jobs:      jobsRepo,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// buildRegistry constructs every venue adapter from the configured endpoints.
// Empty endpoint fields fall back to each adapter's production defaults.
func buildRegistry(cfg *config.Config, log zerolog.Logger) *venues.Registry {
	registry := venues.NewRegistry()
	timeout := cfg.FetchTimeout
	eps := cfg.Venues

	registry.Register(polymarket.New(polymarket.Options{
		ClobURL: eps["polymarket"].BaseURL,
		DataURL: eps["polymarket"].Extra,
		WSURL:   eps["polymarket"].WSURL,
		Timeout: timeout,
	}, log))
	registry.Register(kalshi.New(eps["kalshi"].BaseURL, timeout, log))
	registry.Register(manifold.New(eps["manifold"].BaseURL, timeout, log))
	registry.Register(hyperliquid.New(eps["hyperliquid"].BaseURL, timeout, log))
	registry.Register(binance.New(eps["binance"].BaseURL, timeout, log))
	registry.Register(bybit.New(eps["bybit"].BaseURL, timeout, log))
	registry.Register(mexc.New(eps["mexc"].BaseURL, timeout, log))
	registry.Register(drift.New(drift.Options{
		DataURL: eps["drift"].BaseURL,
		Timeout: timeout,
	}, log))

	// The Solana venues share one RPC client.
	rpc := solana.NewClient(eps["jupiter"].RPCURL)
	registry.Register(jupiter.New(rpc, jupiter.Options{
		QuoteURL: eps["jupiter"].BaseURL,
		Timeout:  timeout,
	}, log))
	registry.Register(pumpfun.New(rpc, log))
	registry.Register(raydium.New(eps["raydium"].BaseURL, timeout, log))
	registry.Register(orca.New(eps["orca"].BaseURL, timeout, log))
	registry.Register(meteora.New(eps["meteora"].BaseURL, timeout, log))

	registry.Register(evmdex.New(evmdex.Options{
		BaseURL: eps["evmdex"].BaseURL,
		RPCURL:  eps["evmdex"].RPCURL,
		Timeout: timeout,
	}, log))

	return registry
}

// startPriceStream opens the Polymarket market channel for every Polymarket
// leg of the persisted matches and feeds ticks into the event bus, where the
// arbitrage engine and alert evaluation pick them up. Returns nil when no
// match has a Polymarket leg.
func startPriceStream(ctx context.Context, cfg *config.Config, engine *arbitrage.Engine, bus *events.Bus, log zerolog.Logger) *polymarket.PriceStream {
	matches, err := engine.Matches(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load matches for the price stream")
		return nil
	}

	seen := make(map[string]bool)
	var assetIDs []string
	for _, m := range matches {
		for _, ref := range m.Markets {
			if ref.Venue == venues.VenuePolymarket && !seen[ref.MarketID] {
				seen[ref.MarketID] = true
				assetIDs = append(assetIDs, ref.MarketID)
			}
		}
	}
	if len(assetIDs) == 0 {
		return nil
	}

	stream := polymarket.NewPriceStream(cfg.Venues["polymarket"].WSURL, assetIDs, func(p polymarket.PricePoint) {
		price := p.Mid
		if price <= 0 {
			price = p.Last
		}
		if price <= 0 {
			return
		}
		bus.Emit(events.PriceUpdated, "polymarket", &events.PriceUpdatedData{
			Venue:    venues.VenuePolymarket,
			MarketID: p.AssetID,
			Price:    price,
			Source:   "stream",
		})
	}, log)

	if err := stream.Start(); err != nil {
		log.Warn().Err(err).Int("assets", len(assetIDs)).Msg("Price stream connect failed, retrying in background")
	} else {
		log.Info().Int("assets", len(assetIDs)).Msg("Price stream connected")
	}
	return stream
}

// jobDeps carries everything the background jobs close over.
type jobDeps struct {
	users     *users.Repository
	sessions  *users.SessionRepository
	portfolio *portfolio.Service
	snapshots *portfolio.SnapshotRepository
	history   *history.Service
	engine    *arbitrage.Engine
	markets   *markets.Repository
	index     *markets.IndexRepository
	opps      *arbitrage.OpportunityRepository
	backups   *reliability.Manager
	maint     *reliability.Maintenance
}

// registerJobs records each job in the jobs table and puts it on the cron
// schedule. Runs go through the Runner, which stamps bookkeeping rows and
// emits lifecycle events.
func registerJobs(ctx context.Context, sched *scheduler.Scheduler, runner *scheduler.Runner, repo *scheduler.Repository, cfg *config.Config, d jobDeps, log zerolog.Logger) error {
	jobs := []struct {
		name     string
		schedule string
		task     scheduler.TaskFunc
	}{
		{scheduler.JobPortfolioSnapshot, "@hourly", scheduler.SnapshotPortfolios(d.users, d.portfolio, d.snapshots, scheduler.SnapshotRetention, log)},
		{scheduler.JobHistorySync, "@every 30m", scheduler.SyncHistories(d.users, d.history, log)},
		{scheduler.JobArbitrageTick, "@every 1m", scheduler.ArbitrageTick(d.engine)},
		{scheduler.JobDatabaseBackup, "@every " + cfg.BackupInterval.String(), scheduler.BackupDatabase(d.backups)},
		{scheduler.JobDatabaseMaintenance, "@daily", scheduler.MaintainDatabase(d.maint)},
		{scheduler.JobMarketIndexPrune, "@hourly", scheduler.PruneMarketData(d.markets, d.index, d.opps, scheduler.MarketMaxAge, log)},
		{scheduler.JobSessionsPrune, "@every 10m", scheduler.PruneSessions(d.sessions)},
	}

	for _, j := range jobs {
		if err := repo.Register(ctx, j.name, j.schedule); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
		if err := sched.AddJob(j.schedule, runner.Job(j.name, j.task)); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	log.Info().Int("count", len(jobs)).Msg("Background jobs registered")
	return nil
}

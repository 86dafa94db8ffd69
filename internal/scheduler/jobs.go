package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/modules/arbitrage"
	"github.com/hexaphore/meridian/internal/modules/history"
	"github.com/hexaphore/meridian/internal/modules/markets"
	"github.com/hexaphore/meridian/internal/modules/portfolio"
	"github.com/hexaphore/meridian/internal/modules/users"
)

// Registered job names. The names double as the jobs table primary key.
const (
	JobPortfolioSnapshot   = "portfolio.snapshot"
	JobHistorySync         = "history.sync"
	JobArbitrageTick       = "arbitrage.tick"
	JobDatabaseBackup      = "db.backup"
	JobDatabaseMaintenance = "db.maintenance"
	JobMarketIndexPrune    = "market.index.prune"
	JobSessionsPrune       = "sessions.prune"
)

// Default retention windows for the pruning jobs.
const (
	SnapshotRetention = 90 * 24 * time.Hour
	MarketMaxAge      = 24 * time.Hour
)

// Snapshotter captures one user's portfolio snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, userID string) (*domain.PortfolioSnapshot, error)
}

// TradeSyncer pulls a user's new trades from every paired venue.
type TradeSyncer interface {
	SyncTrades(ctx context.Context, userID string) (*history.SyncResult, error)
}

// Ticker runs one arbitrage scan pass.
type Ticker interface {
	Tick(ctx context.Context) error
}

// BackupRunner produces one database backup.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// Maintainer performs one database maintenance pass.
type Maintainer interface {
	Run(ctx context.Context) error
}

// SnapshotPortfolios captures a snapshot for every user, then prunes
// snapshots older than retention. Per-user failures are logged and absorbed;
// the job only errors when no user succeeds.
func SnapshotPortfolios(usersRepo *users.Repository, svc Snapshotter, snapshots *portfolio.SnapshotRepository, retention time.Duration, log zerolog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		list, err := usersRepo.List(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		failed := 0
		for _, u := range list {
			if _, err := svc.Snapshot(ctx, u.ID); err != nil {
				failed++
				log.Warn().Err(err).Str("user_id", u.ID).Msg("Portfolio snapshot failed")
			}
		}

		if retention > 0 {
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := snapshots.DeleteAllBefore(ctx, cutoff); err != nil {
				log.Warn().Err(err).Msg("Snapshot prune failed")
			}
		}

		if failed > 0 && failed == len(list) {
			return fmt.Errorf("all %d portfolio snapshots failed", failed)
		}
		return nil
	}
}

// SyncHistories pulls new trades for every user. Same failure policy as
// SnapshotPortfolios.
func SyncHistories(usersRepo *users.Repository, svc TradeSyncer, log zerolog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		list, err := usersRepo.List(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		failed := 0
		for _, u := range list {
			if _, err := svc.SyncTrades(ctx, u.ID); err != nil {
				failed++
				log.Warn().Err(err).Str("user_id", u.ID).Msg("Trade sync failed")
			}
		}

		if failed > 0 && failed == len(list) {
			return fmt.Errorf("all %d trade syncs failed", failed)
		}
		return nil
	}
}

// ArbitrageTick runs one scan pass of the arbitrage engine. The engine's own
// re-entry guard makes overlap with its internal loop harmless.
func ArbitrageTick(engine Ticker) TaskFunc {
	return engine.Tick
}

// BackupDatabase produces one backup through the reliability manager.
func BackupDatabase(backup BackupRunner) TaskFunc {
	return backup.Run
}

// MaintainDatabase runs the reliability maintenance pass.
func MaintainDatabase(maint Maintainer) TaskFunc {
	return maint.Run
}

// PruneMarketData drops market cache and index rows not refreshed within
// maxAge, plus arbitrage opportunities that expired before then.
func PruneMarketData(marketsRepo *markets.Repository, indexRepo *markets.IndexRepository, opps *arbitrage.OpportunityRepository, maxAge time.Duration, log zerolog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-maxAge)

		staleMarkets, err := marketsRepo.PruneStale(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune markets: %w", err)
		}
		staleIndex, err := indexRepo.PruneBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune market index: %w", err)
		}
		staleOpps, err := opps.PruneInactive(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune opportunities: %w", err)
		}

		if staleMarkets+staleIndex+staleOpps > 0 {
			log.Info().
				Int64("markets", staleMarkets).
				Int64("index_entries", staleIndex).
				Int64("opportunities", staleOpps).
				Msg("Stale market data pruned")
		}
		return nil
	}
}

// PruneSessions sweeps expired and consumed pairing codes.
func PruneSessions(sessions *users.SessionRepository) TaskFunc {
	return func(ctx context.Context) error {
		if _, err := sessions.PruneExpired(ctx, time.Now().UTC()); err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		return nil
	}
}

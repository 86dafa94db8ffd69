package reliability

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/hexaphore/meridian/internal/database"
)

// Disk space thresholds in GB. Below critical the maintenance run fails so
// the scheduler surfaces it; the others only log.
const (
	diskCriticalGB = 0.5
	diskErrorGB    = 5.0
	diskWarnGB     = 10.0
)

// Vacuum when this share of pages sits on the freelist.
const vacuumFreelistRatio = 0.25

// Maintenance is the periodic health pass: integrity check, WAL checkpoint,
// disk space check, latest-backup verification and a fragmentation-gated
// vacuum.
type Maintenance struct {
	db      *database.DB
	backups *Manager
	log     zerolog.Logger
}

// NewMaintenance creates a maintenance pass. backups may be nil when backup
// verification isn't wanted.
func NewMaintenance(db *database.DB, backups *Manager, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		db:      db,
		backups: backups,
		log:     log.With().Str("component", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass.
func (m *Maintenance) Run(ctx context.Context) error {
	m.log.Info().Msg("Starting maintenance")
	start := time.Now()

	// A corrupt store is the one thing we must not keep running on.
	if err := m.db.HealthCheck(ctx); err != nil {
		m.log.Error().Err(err).Msg("Integrity check failed")
		return fmt.Errorf("integrity check: %w", err)
	}

	if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
		m.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := m.checkDiskSpace(ctx); err != nil {
		return err
	}

	if m.backups != nil {
		if err := m.backups.VerifyLatest(); err != nil {
			m.log.Error().Err(err).Msg("Backup verification failed")
		}
	}

	m.vacuumIfFragmented()

	m.logStats()

	m.log.Info().
		Dur("duration", time.Since(start)).
		Msg("Maintenance completed")
	return nil
}

func (m *Maintenance) checkDiskSpace(ctx context.Context) error {
	usage, err := disk.UsageWithContext(ctx, filepath.Dir(m.db.Path()))
	if err != nil {
		return fmt.Errorf("stat filesystem: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	m.log.Debug().Float64("free_gb", freeGB).Msg("Disk space check")

	if freeGB < diskCriticalGB {
		m.log.Error().Float64("free_gb", freeGB).Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free", freeGB)
	}
	if freeGB < diskErrorGB {
		m.log.Error().Float64("free_gb", freeGB).Msg("Low disk space - consider cleanup")
	} else if freeGB < diskWarnGB {
		m.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}

// vacuumIfFragmented runs VACUUM only when the freelist says it will pay
// for itself.
func (m *Maintenance) vacuumIfFragmented() {
	stats, err := m.db.GetStats()
	if err != nil {
		m.log.Warn().Err(err).Msg("Could not read database stats")
		return
	}
	if stats.PageCount == 0 {
		return
	}

	ratio := float64(stats.FreelistCount) / float64(stats.PageCount)
	if ratio < vacuumFreelistRatio {
		return
	}

	m.log.Info().
		Int64("free_pages", stats.FreelistCount).
		Int64("total_pages", stats.PageCount).
		Msg("Running VACUUM")
	if err := m.db.Vacuum(); err != nil {
		m.log.Error().Err(err).Msg("VACUUM failed")
	}
}

func (m *Maintenance) logStats() {
	stats, err := m.db.GetStats()
	if err != nil {
		return
	}
	m.log.Info().
		Float64("size_mb", float64(stats.SizeBytes)/(1<<20)).
		Float64("wal_size_mb", float64(stats.WALSizeBytes)/(1<<20)).
		Int64("free_pages", stats.FreelistCount).
		Msg("Database metrics")
}

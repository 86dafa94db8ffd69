// Package reliability keeps the database healthy and recoverable: timestamped
// gzip backups with checksummed metadata, optional off-site copies to an
// S3-compatible bucket, filename-based rotation and a periodic maintenance
// pass (integrity, checkpoint, disk space, vacuum).
package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/database"
	"github.com/hexaphore/meridian/internal/events"
)

const (
	backupPrefix     = "meridian-"
	backupSuffix     = ".db.gz"
	metadataSuffix   = ".json"
	backupTimeLayout = "2006-01-02-150405"

	// Rotation never drops below this many archives regardless of the
	// configured retention.
	minBackupsKeep = 3
)

// BackupMetadata is the sidecar record written next to each archive.
type BackupMetadata struct {
	Timestamp     time.Time `json:"timestamp"`
	Database      string    `json:"database"`
	Filename      string    `json:"filename"`
	SizeBytes     int64     `json:"size_bytes"`
	OriginalBytes int64     `json:"original_bytes"`
	Checksum      string    `json:"checksum"` // SHA-256 of the compressed archive
}

// BackupInfo describes one archive found in the backup directory.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Manager produces database backups. Run checkpoints the WAL, writes a
// gzipped copy plus metadata, pushes the archive off-site when an uploader is
// configured and rotates old archives by the timestamp in their filename.
type Manager struct {
	db        *database.DB
	backupDir string
	retention int
	uploader  *Uploader
	bus       *events.Bus
	log       zerolog.Logger
	now       func() time.Time
}

// NewManager creates a backup manager. uploader may be nil for local-only
// backups.
func NewManager(db *database.DB, backupDir string, retention int, uploader *Uploader, bus *events.Bus, log zerolog.Logger) *Manager {
	if retention < 1 {
		retention = minBackupsKeep
	}
	return &Manager{
		db:        db,
		backupDir: backupDir,
		retention: retention,
		uploader:  uploader,
		bus:       bus,
		log:       log.With().Str("component", "backup").Logger(),
		now:       time.Now,
	}
}

// Run produces one backup. The local copy failing is the only fatal path;
// upload and rotation problems are logged and absorbed.
func (m *Manager) Run(ctx context.Context) error {
	start := m.now()
	m.log.Info().Msg("Starting backup")

	// TRUNCATE folds the WAL into the main file so the copy is complete.
	if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("checkpoint before backup: %w", err)
	}

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	stamp := start.UTC().Format(backupTimeLayout)
	archiveName := backupPrefix + stamp + backupSuffix
	archivePath := filepath.Join(m.backupDir, archiveName)

	meta, err := m.writeArchive(m.db.Path(), archivePath)
	if err != nil {
		_ = os.Remove(archivePath)
		return fmt.Errorf("write archive: %w", err)
	}
	meta.Timestamp = start.UTC()
	meta.Database = m.db.Name()
	meta.Filename = archiveName

	metadataPath := filepath.Join(m.backupDir, backupPrefix+stamp+metadataSuffix)
	if err := writeMetadata(metadataPath, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	uploaded := false
	if m.uploader != nil {
		if err := m.upload(ctx, archiveName, archivePath); err != nil {
			m.log.Error().Err(err).Msg("Off-site upload failed")
		} else {
			uploaded = true
			if err := m.uploader.PruneRemote(ctx, m.retention); err != nil {
				m.log.Warn().Err(err).Msg("Remote backup rotation failed")
			}
		}
	}

	m.rotate()

	duration := m.now().Sub(start)
	sizeMB := float64(meta.SizeBytes) / (1 << 20)

	if m.bus != nil {
		m.bus.Emit(events.BackupCompleted, "reliability", events.BackupCompletedData{
			Path:     archivePath,
			SizeMB:   sizeMB,
			Uploaded: uploaded,
			Duration: duration.Seconds(),
		})
	}

	m.log.Info().
		Str("archive", archiveName).
		Float64("size_mb", sizeMB).
		Bool("uploaded", uploaded).
		Dur("duration", duration).
		Msg("Backup completed")
	return nil
}

// writeArchive gzips the database file into archivePath, hashing the
// compressed stream as it goes.
func (m *Manager) writeArchive(dbPath, archivePath string) (*BackupMetadata, error) {
	src, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(dst, hash))

	original, err := io.Copy(gz, src)
	if err != nil {
		_ = gz.Close()
		_ = dst.Close()
		return nil, fmt.Errorf("compress database: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return nil, fmt.Errorf("flush archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	return &BackupMetadata{
		SizeBytes:     info.Size(),
		OriginalBytes: original,
		Checksum:      hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func (m *Manager) upload(ctx context.Context, key, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive for upload: %w", err)
	}
	defer f.Close()
	return m.uploader.Upload(ctx, key, f)
}

// ListLocal returns local archives newest first. Files whose names don't
// carry a parseable timestamp are skipped.
func (m *Manager) ListLocal() ([]BackupInfo, error) {
	entries, err := os.ReadDir(m.backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	now := m.now()
	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseBackupTimestamp(entry.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			Path:      filepath.Join(m.backupDir, entry.Name()),
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// VerifyLatest re-hashes the newest archive against its metadata checksum.
func (m *Manager) VerifyLatest() error {
	backups, err := m.ListLocal()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("no backups to verify")
	}
	latest := backups[0]

	metadataPath := strings.TrimSuffix(latest.Path, backupSuffix) + metadataSuffix
	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("read metadata for %s: %w", latest.Filename, err)
	}
	var meta BackupMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("parse metadata for %s: %w", latest.Filename, err)
	}

	f, err := os.Open(latest.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", latest.Filename, err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return fmt.Errorf("hash %s: %w", latest.Filename, err)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != meta.Checksum {
		return fmt.Errorf("checksum mismatch for %s", latest.Filename)
	}

	m.log.Debug().Str("archive", latest.Filename).Msg("Backup verified")
	return nil
}

// rotate keeps the newest retention archives (never fewer than
// minBackupsKeep) and removes the rest with their metadata sidecars.
func (m *Manager) rotate() {
	backups, err := m.ListLocal()
	if err != nil {
		m.log.Warn().Err(err).Msg("Backup rotation skipped")
		return
	}

	keep := m.retention
	if keep < minBackupsKeep {
		keep = minBackupsKeep
	}
	if len(backups) <= keep {
		return
	}

	for _, old := range backups[keep:] {
		if err := os.Remove(old.Path); err != nil {
			m.log.Error().Err(err).Str("archive", old.Filename).Msg("Failed to delete old backup")
			continue
		}
		metadataPath := strings.TrimSuffix(old.Path, backupSuffix) + metadataSuffix
		if err := os.Remove(metadataPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("archive", old.Filename).Msg("Failed to delete backup metadata")
		}
		m.log.Debug().Str("archive", old.Filename).Msg("Old backup deleted")
	}
}

func writeMetadata(path string, meta *BackupMetadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// parseBackupTimestamp extracts the creation time from an archive name.
// Rotation trusts the filename, never file mtimes.
func parseBackupTimestamp(name string) (time.Time, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, backupPrefix) || !strings.HasSuffix(base, backupSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(base, backupPrefix), backupSuffix)
	ts, err := time.Parse(backupTimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// SnapshotRepository handles the portfolio_snapshots time series.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repository", "snapshots").Logger(),
	}
}

// Insert appends one snapshot. The ID is assigned when empty.
func (r *SnapshotRepository) Insert(ctx context.Context, s *domain.PortfolioSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	perVenue, err := json.Marshal(s.PerVenue)
	if err != nil {
		return fmt.Errorf("marshal per-venue breakdown: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots
			(id, user_id, total_value, total_pnl, total_pnl_pct,
			 total_cost_basis, positions_count, per_venue, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.TotalValue, s.TotalPnl, s.TotalPnlPct,
		s.TotalCostBasis, s.PositionsCount, string(perVenue), formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", s.UserID, err)
	}
	return nil
}

// ListByUser returns snapshots newest-first, capped at limit (0 = all).
func (r *SnapshotRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.PortfolioSnapshot, error) {
	query := `
		SELECT id, user_id, total_value, total_pnl, total_pnl_pct,
		       total_cost_basis, positions_count, per_venue, created_at
		FROM portfolio_snapshots
		WHERE user_id = ?
		ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", userID, err)
	}
	defer rows.Close()

	var snapshots []domain.PortfolioSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}
	return snapshots, rows.Err()
}

// Latest returns the newest snapshot, or (nil, nil) when none exists.
func (r *SnapshotRepository) Latest(ctx context.Context, userID string) (*domain.PortfolioSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_value, total_pnl, total_pnl_pct,
		       total_cost_basis, positions_count, per_venue, created_at
		FROM portfolio_snapshots
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, userID)

	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", userID, err)
	}
	return s, nil
}

// DeleteBefore prunes snapshots older than the cutoff. Returns the number
// of rows removed.
func (r *SnapshotRepository) DeleteBefore(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM portfolio_snapshots
		WHERE user_id = ? AND created_at < ?`,
		userID, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAllBefore prunes every user's snapshots older than the cutoff.
// Used by the scheduled snapshot job.
func (r *SnapshotRepository) DeleteAllBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM portfolio_snapshots WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSnapshot(row rowScanner) (*domain.PortfolioSnapshot, error) {
	var (
		s         domain.PortfolioSnapshot
		perVenue  string
		createdAt string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TotalValue, &s.TotalPnl, &s.TotalPnlPct,
		&s.TotalCostBasis, &s.PositionsCount, &perVenue, &createdAt)
	if err != nil {
		return nil, err
	}

	if perVenue != "" && perVenue != "{}" {
		if err := json.Unmarshal([]byte(perVenue), &s.PerVenue); err != nil {
			return nil, fmt.Errorf("parse per_venue: %w", err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	s.CreatedAt = t
	return &s, nil
}

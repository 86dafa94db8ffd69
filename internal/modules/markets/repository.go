// Package markets caches venue market metadata and maintains the semantic
// index used for cross-venue matching. Cache rows carry a freshness stamp
// and are evicted by the scheduled prune job, not on read.
package markets

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// Repository handles the markets cache table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a market cache repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "markets").Logger(),
	}
}

// Upsert writes one market row, stamping last_seen_at.
func (r *Repository) Upsert(ctx context.Context, m *domain.Market) error {
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = time.Now().UTC()
	}
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO markets
			(venue, market_id, question, outcomes, end_date, resolved, last_seen_at, cached_raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (venue, market_id) DO UPDATE SET
			question     = excluded.question,
			outcomes     = excluded.outcomes,
			end_date     = excluded.end_date,
			resolved     = excluded.resolved,
			last_seen_at = excluded.last_seen_at,
			cached_raw   = excluded.cached_raw`,
		m.Venue, m.MarketID, m.Question, string(outcomes),
		formatNullableTime(m.EndDate), boolToInt(m.Resolved),
		formatTime(m.LastSeenAt), m.CachedRaw)
	if err != nil {
		return fmt.Errorf("upsert market %s/%s: %w", m.Venue, m.MarketID, err)
	}
	return nil
}

// Get returns one cached market, or (nil, nil) when absent.
func (r *Repository) Get(ctx context.Context, venue, marketID string) (*domain.Market, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT venue, market_id, question, outcomes, end_date, resolved, last_seen_at, cached_raw
		FROM markets
		WHERE venue = ? AND market_id = ?`, venue, marketID)

	m, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s/%s: %w", venue, marketID, err)
	}
	return m, nil
}

// ListByVenue returns a venue's cached markets, most recently seen first.
func (r *Repository) ListByVenue(ctx context.Context, venue string, limit int) ([]domain.Market, error) {
	query := `
		SELECT venue, market_id, question, outcomes, end_date, resolved, last_seen_at, cached_raw
		FROM markets
		WHERE venue = ?
		ORDER BY last_seen_at DESC`
	args := []interface{}{venue}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets %s: %w", venue, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// PruneStale evicts rows not seen since the cutoff. Returns the number of
// rows removed.
func (r *Repository) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM markets WHERE last_seen_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune markets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner) (*domain.Market, error) {
	var (
		m        domain.Market
		outcomes string
		endDate  sql.NullString
		resolved int
		lastSeen string
	)
	err := row.Scan(&m.Venue, &m.MarketID, &m.Question, &outcomes,
		&endDate, &resolved, &lastSeen, &m.CachedRaw)
	if err != nil {
		return nil, err
	}

	if outcomes != "" && outcomes != "[]" {
		if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
			return nil, fmt.Errorf("parse outcomes: %w", err)
		}
	}
	if endDate.Valid && endDate.String != "" {
		t, err := time.Parse(time.RFC3339Nano, endDate.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_date: %w", err)
		}
		m.EndDate = &t
	}
	m.Resolved = resolved != 0
	t, err := time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at: %w", err)
	}
	m.LastSeenAt = t
	return &m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package arbitrage finds price divergence across venues that list the
// same underlying question. Matches declare equivalence; the engine turns
// live prices on matched markets into opportunities.
package arbitrage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// MatchRepository handles the arb_matches table.
type MatchRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMatchRepository creates a match repository.
func NewMatchRepository(db *sql.DB, log zerolog.Logger) *MatchRepository {
	return &MatchRepository{
		db:  db,
		log: log.With().Str("repository", "arb_matches").Logger(),
	}
}

// Insert persists one match.
func (r *MatchRepository) Insert(ctx context.Context, m *domain.ArbMatch) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	markets, err := json.Marshal(m.Markets)
	if err != nil {
		return fmt.Errorf("marshal match markets: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO arb_matches (id, markets, matched_by, similarity, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, string(markets), string(m.MatchedBy), m.Similarity, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	return nil
}

// Get returns one match, or (nil, nil) when absent.
func (r *MatchRepository) Get(ctx context.Context, id string) (*domain.ArbMatch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, markets, matched_by, similarity, created_at
		FROM arb_matches
		WHERE id = ?`, id)

	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	return m, nil
}

// List returns all matches, newest first.
func (r *MatchRepository) List(ctx context.Context) ([]domain.ArbMatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, markets, matched_by, similarity, created_at
		FROM arb_matches
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var matches []domain.ArbMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// Delete removes a match. Opportunities it produced age out on their own.
func (r *MatchRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM arb_matches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete match %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(row rowScanner) (*domain.ArbMatch, error) {
	var (
		m         domain.ArbMatch
		markets   string
		matchedBy string
		createdAt string
	)
	err := row.Scan(&m.ID, &markets, &matchedBy, &m.Similarity, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(markets), &m.Markets); err != nil {
		return nil, fmt.Errorf("parse match markets: %w", err)
	}
	m.MatchedBy = domain.MatchedBy(matchedBy)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	m.CreatedAt = t
	return &m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

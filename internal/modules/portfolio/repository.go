// Package portfolio aggregates positions and balances across venues into
// one portfolio view and keeps the stored position rows in sync with what
// the venues report.
package portfolio

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/database"
	"github.com/hexaphore/meridian/internal/domain"
)

// Repository handles position rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a position repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "positions").Logger(),
	}
}

const positionColumns = `id, user_id, venue, market_id, outcome_id, market_question,
	side, size, avg_entry_price, current_price, leverage, margin_mode,
	liquidation_price, notional, opened_at, updated_at`

// Upsert writes one position, keyed by (user, venue, market, outcome).
// An existing open row is updated in place; its opened_at is preserved.
func (r *Repository) Upsert(ctx context.Context, p *domain.Position) error {
	return r.upsert(ctx, r.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) upsert(ctx context.Context, ex execer, p *domain.Position) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO positions
			(user_id, venue, market_id, outcome_id, market_question, side, size,
			 avg_entry_price, current_price, leverage, margin_mode,
			 liquidation_price, notional, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, venue, market_id, outcome_id) DO UPDATE SET
			market_question   = excluded.market_question,
			side              = excluded.side,
			size              = excluded.size,
			avg_entry_price   = excluded.avg_entry_price,
			current_price     = excluded.current_price,
			leverage          = excluded.leverage,
			margin_mode       = excluded.margin_mode,
			liquidation_price = excluded.liquidation_price,
			notional          = excluded.notional,
			updated_at        = excluded.updated_at`,
		p.UserID, p.Venue, p.MarketID, p.OutcomeID, p.MarketQuestion, p.Side,
		p.Size, p.AvgEntryPrice, p.CurrentPrice, p.Leverage, p.MarginMode,
		p.LiquidationPrice, p.Notional,
		formatNullableTime(timePtr(p.OpenedAt)), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s/%s: %w", p.UserID, p.Venue, p.MarketID, err)
	}
	return nil
}

// ReplaceForVenue swaps the stored positions of (user, venue) for the
// fetched set in one transaction. Rows the venue no longer reports are
// closed (deleted); everything else is upserted in place.
func (r *Repository) ReplaceForVenue(ctx context.Context, userID, venue string, positions []domain.Position) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM positions WHERE user_id = ? AND venue = ?`, userID, venue); err != nil {
			return fmt.Errorf("clear positions %s/%s: %w", userID, venue, err)
		}
		for i := range positions {
			p := positions[i]
			p.UserID = userID
			p.Venue = venue
			if err := r.upsert(ctx, tx, &p); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListByUser returns all open positions for a user ordered by venue then
// market.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	return r.list(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = ?
		ORDER BY venue, market_id, outcome_id`, userID)
}

// ListByUserVenue returns the open positions on one venue.
func (r *Repository) ListByUserVenue(ctx context.Context, userID, venue string) ([]domain.Position, error) {
	return r.list(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = ? AND venue = ?
		ORDER BY market_id, outcome_id`, userID, venue)
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// Get returns one position, or (nil, nil) when no open row matches.
func (r *Repository) Get(ctx context.Context, userID, venue, marketID, outcomeID string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = ? AND venue = ? AND market_id = ? AND outcome_id = ?`,
		userID, venue, marketID, outcomeID)

	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s/%s: %w", userID, venue, marketID, err)
	}
	return p, nil
}

// Delete closes one position row.
func (r *Repository) Delete(ctx context.Context, userID, venue, marketID, outcomeID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM positions
		WHERE user_id = ? AND venue = ? AND market_id = ? AND outcome_id = ?`,
		userID, venue, marketID, outcomeID)
	if err != nil {
		return fmt.Errorf("delete position %s/%s/%s: %w", userID, venue, marketID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		p         domain.Position
		openedAt  sql.NullString
		updatedAt string
		leverage  sql.NullFloat64
		margin    sql.NullString
		liqPrice  sql.NullFloat64
		notional  sql.NullFloat64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Venue, &p.MarketID, &p.OutcomeID,
		&p.MarketQuestion, &p.Side, &p.Size, &p.AvgEntryPrice, &p.CurrentPrice,
		&leverage, &margin, &liqPrice, &notional, &openedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if leverage.Valid {
		p.Leverage = &leverage.Float64
	}
	if margin.Valid {
		p.MarginMode = &margin.String
	}
	if liqPrice.Valid {
		p.LiquidationPrice = &liqPrice.Float64
	}
	if notional.Valid {
		p.Notional = &notional.Float64
	}
	if openedAt.Valid && openedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, openedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse opened_at: %w", err)
		}
		p.OpenedAt = t
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	p.UpdatedAt = t
	return &p, nil
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

// timePtr maps the zero time to nil so empty opened_at stays NULL.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

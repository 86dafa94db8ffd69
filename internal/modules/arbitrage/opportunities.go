package arbitrage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// OpportunityRepository handles the arb_opportunities table. The directed
// venue pair is unique; a refresh updates the existing row and keeps its
// id and detected_at.
type OpportunityRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOpportunityRepository creates an opportunity repository.
func NewOpportunityRepository(db *sql.DB, log zerolog.Logger) *OpportunityRepository {
	return &OpportunityRepository{
		db:  db,
		log: log.With().Str("repository", "arb_opportunities").Logger(),
	}
}

// Upsert writes one opportunity, refreshing the row for its pair when one
// exists.
func (r *OpportunityRepository) Upsert(ctx context.Context, o *domain.ArbOpportunity) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO arb_opportunities
			(id, buy_venue, buy_market_id, buy_outcome, buy_price,
			 sell_venue, sell_market_id, sell_outcome, sell_price,
			 spread, spread_pct, profit_per_100, confidence,
			 detected_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (buy_venue, buy_market_id, sell_venue, sell_market_id) DO UPDATE SET
			buy_outcome    = excluded.buy_outcome,
			buy_price      = excluded.buy_price,
			sell_outcome   = excluded.sell_outcome,
			sell_price     = excluded.sell_price,
			spread         = excluded.spread,
			spread_pct     = excluded.spread_pct,
			profit_per_100 = excluded.profit_per_100,
			confidence     = excluded.confidence,
			expires_at     = excluded.expires_at,
			is_active      = excluded.is_active`,
		o.ID, o.Buy.Venue, o.Buy.MarketID, o.Buy.Outcome, o.Buy.Price,
		o.Sell.Venue, o.Sell.MarketID, o.Sell.Outcome, o.Sell.Price,
		o.Spread, o.SpreadPct, o.ProfitPer100, o.Confidence,
		formatTime(o.DetectedAt), formatTime(o.ExpiresAt), boolToInt(o.IsActive))
	if err != nil {
		return fmt.Errorf("upsert opportunity %s: %w", o.Key(), err)
	}
	return nil
}

// Get returns one opportunity by id, or (nil, nil) when absent.
func (r *OpportunityRepository) Get(ctx context.Context, id string) (*domain.ArbOpportunity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, buy_venue, buy_market_id, buy_outcome, buy_price,
		       sell_venue, sell_market_id, sell_outcome, sell_price,
		       spread, spread_pct, profit_per_100, confidence,
		       detected_at, expires_at, is_active
		FROM arb_opportunities
		WHERE id = ?`, id)

	o, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns active opportunities, widest spread first.
func (r *OpportunityRepository) ListActive(ctx context.Context) ([]domain.ArbOpportunity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, buy_venue, buy_market_id, buy_outcome, buy_price,
		       sell_venue, sell_market_id, sell_outcome, sell_price,
		       spread, spread_pct, profit_per_100, confidence,
		       detected_at, expires_at, is_active
		FROM arb_opportunities
		WHERE is_active = 1
		ORDER BY spread_pct DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list active opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.ArbOpportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		opps = append(opps, *o)
	}
	return opps, rows.Err()
}

// Deactivate retires an opportunity without deleting its history.
func (r *OpportunityRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE arb_opportunities SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate opportunity %s: %w", id, err)
	}
	return nil
}

// PruneInactive removes retired rows whose expiry predates the cutoff.
func (r *OpportunityRepository) PruneInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM arb_opportunities
		WHERE is_active = 0 AND expires_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune opportunities: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOpportunity(row rowScanner) (*domain.ArbOpportunity, error) {
	var (
		o          domain.ArbOpportunity
		detectedAt string
		expiresAt  string
		active     int
	)
	err := row.Scan(&o.ID, &o.Buy.Venue, &o.Buy.MarketID, &o.Buy.Outcome, &o.Buy.Price,
		&o.Sell.Venue, &o.Sell.MarketID, &o.Sell.Outcome, &o.Sell.Price,
		&o.Spread, &o.SpreadPct, &o.ProfitPer100, &o.Confidence,
		&detectedAt, &expiresAt, &active)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, detectedAt)
	if err != nil {
		return nil, fmt.Errorf("parse detected_at: %w", err)
	}
	o.DetectedAt = t
	t, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	o.ExpiresAt = t
	o.IsActive = active != 0
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

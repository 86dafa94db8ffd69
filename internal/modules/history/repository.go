// Package history syncs executed fills and funding payments from the venues
// and computes trading statistics over them.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/database"
	"github.com/hexaphore/meridian/internal/domain"
)

// Repository handles the trades and funding_payments tables. Both are
// append-only; inserts dedupe on the venue's own identifiers.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a history repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "history").Logger(),
	}
}

// TradeFilter narrows a trade listing.
type TradeFilter struct {
	Venue    string
	MarketID string
	Since    *time.Time
	Until    *time.Time
	Limit    int // 0 = no cap
}

// InsertTrades appends fills, skipping rows whose (venue, venue_trade_id)
// already exists. Returns how many rows were actually written, so replaying
// the same payload is a no-op.
func (r *Repository) InsertTrades(ctx context.Context, userID string, trades []domain.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for i := range trades {
			t := trades[i]
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO trades
					(user_id, venue, venue_trade_id, market_id, outcome,
					 side, size, price, fee, realized_pnl, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				userID, t.Venue, t.VenueTradeID, t.MarketID, t.Outcome,
				t.Side, t.Size, t.Price, t.Fee, t.RealizedPnl,
				formatTime(t.Timestamp))
			if err != nil {
				return fmt.Errorf("insert trade %s/%s: %w", t.Venue, t.VenueTradeID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListTrades returns fills newest-first.
func (r *Repository) ListTrades(ctx context.Context, userID string, f TradeFilter) ([]domain.Trade, error) {
	query := `
		SELECT id, user_id, venue, venue_trade_id, market_id, outcome,
		       side, size, price, fee, realized_pnl, timestamp
		FROM trades
		WHERE user_id = ?`
	args := []interface{}{userID}

	if f.Venue != "" {
		query += ` AND venue = ?`
		args = append(args, f.Venue)
	}
	if f.MarketID != "" {
		query += ` AND market_id = ?`
		args = append(args, f.MarketID)
	}
	if f.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		query += ` AND timestamp < ?`
		args = append(args, formatTime(*f.Until))
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// LastTradeTime returns the newest fill timestamp for (user, venue), or
// (nil, nil) when no fills are stored yet.
func (r *Repository) LastTradeTime(ctx context.Context, userID, venue string) (*time.Time, error) {
	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM trades WHERE user_id = ? AND venue = ?`,
		userID, venue).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("last trade time %s/%s: %w", userID, venue, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse last trade time: %w", err)
	}
	return &t, nil
}

// InsertFunding appends funding payments, deduped on (user, venue, symbol,
// timestamp). Returns the number of new rows.
func (r *Repository) InsertFunding(ctx context.Context, userID string, payments []domain.FundingPayment) (int, error) {
	if len(payments) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for i := range payments {
			p := payments[i]
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO funding_payments
					(user_id, venue, symbol, rate, amount, position_size, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				userID, p.Venue, p.Symbol, p.Rate, p.Amount, p.PositionSize,
				formatTime(p.Timestamp))
			if err != nil {
				return fmt.Errorf("insert funding %s/%s: %w", p.Venue, p.Symbol, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListFunding returns funding payments newest-first.
func (r *Repository) ListFunding(ctx context.Context, userID, venue string, limit int) ([]domain.FundingPayment, error) {
	query := `
		SELECT id, user_id, venue, symbol, rate, amount, position_size, timestamp
		FROM funding_payments
		WHERE user_id = ?`
	args := []interface{}{userID}
	if venue != "" {
		query += ` AND venue = ?`
		args = append(args, venue)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list funding: %w", err)
	}
	defer rows.Close()

	var payments []domain.FundingPayment
	for rows.Next() {
		var (
			p  domain.FundingPayment
			ts string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Venue, &p.Symbol,
			&p.Rate, &p.Amount, &p.PositionSize, &ts); err != nil {
			return nil, fmt.Errorf("scan funding: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse funding timestamp: %w", err)
		}
		p.Timestamp = t
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// LastFundingTime returns the newest funding timestamp for (user, venue),
// or (nil, nil) when none is stored.
func (r *Repository) LastFundingTime(ctx context.Context, userID, venue string) (*time.Time, error) {
	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM funding_payments WHERE user_id = ? AND venue = ?`,
		userID, venue).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("last funding time %s/%s: %w", userID, venue, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse last funding time: %w", err)
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var (
		t           domain.Trade
		realizedPnl sql.NullFloat64
		ts          string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Venue, &t.VenueTradeID, &t.MarketID,
		&t.Outcome, &t.Side, &t.Size, &t.Price, &t.Fee, &realizedPnl, &ts)
	if err != nil {
		return nil, err
	}
	if realizedPnl.Valid {
		t.RealizedPnl = &realizedPnl.Float64
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	t.Timestamp = parsed
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

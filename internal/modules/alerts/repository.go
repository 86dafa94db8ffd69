// Package alerts evaluates user-armed conditions against price ticks and
// portfolio refreshes, and hands notifications to a pluggable transport.
// A triggered alert stays quiet until it is re-armed.
package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// Repository handles the alerts table. Condition thresholds live in
// flattened nullable columns so armed lookups stay indexable.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an alert repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
	}
}

const alertColumns = `id, user_id, kind, venue, market_id,
	price_above, price_below, pnl_above, pnl_below,
	enabled, triggered, trigger_count, channel, chat_id,
	created_at, last_triggered_at`

// Insert persists one alert, assigning an id when the caller brought none.
func (r *Repository) Insert(ctx context.Context, a *domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, string(a.Kind), a.Condition.Venue, a.Condition.MarketID,
		a.Condition.PriceAbove, a.Condition.PriceBelow, a.Condition.PnlAbove, a.Condition.PnlBelow,
		boolToInt(a.Enabled), boolToInt(a.Triggered), a.TriggerCount, a.Channel, a.ChatID,
		formatTime(a.CreatedAt), formatNullableTime(a.LastTriggeredAt))
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// Get returns one alert, or (nil, nil) when absent.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

// ListByUser returns a user's alerts, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListArmedForMarket returns evaluation candidates for one market's price:
// enabled price alerts that have not fired yet.
func (r *Repository) ListArmedForMarket(ctx context.Context, venue, marketID string) ([]domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE enabled = 1 AND triggered = 0 AND kind = ?
		  AND venue = ? AND market_id = ?`,
		string(domain.AlertPrice), venue, marketID)
	if err != nil {
		return nil, fmt.Errorf("list armed alerts %s/%s: %w", venue, marketID, err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListArmedPortfolio returns a user's armed portfolio alerts.
func (r *Repository) ListArmedPortfolio(ctx context.Context, userID string) ([]domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE enabled = 1 AND triggered = 0 AND kind = ? AND user_id = ?`,
		string(domain.AlertPortfolio), userID)
	if err != nil {
		return nil, fmt.Errorf("list armed portfolio alerts for %s: %w", userID, err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// MarkTriggered records a firing: the alert leaves the armed set until
// re-armed.
func (r *Repository) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts
		SET triggered = 1, trigger_count = trigger_count + 1, last_triggered_at = ?
		WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark alert %s triggered: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Rearm puts a fired alert back into the armed set.
func (r *Repository) Rearm(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET triggered = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("rearm alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetEnabled toggles an alert without touching its trigger state.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set alert %s enabled: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes an alert.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func collectAlerts(rows *sql.Rows) ([]domain.Alert, error) {
	var alerts []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var (
		a             domain.Alert
		kind          string
		priceAbove    sql.NullFloat64
		priceBelow    sql.NullFloat64
		pnlAbove      sql.NullFloat64
		pnlBelow      sql.NullFloat64
		enabled       int
		triggered     int
		createdAt     string
		lastTriggered sql.NullString
	)
	err := row.Scan(&a.ID, &a.UserID, &kind, &a.Condition.Venue, &a.Condition.MarketID,
		&priceAbove, &priceBelow, &pnlAbove, &pnlBelow,
		&enabled, &triggered, &a.TriggerCount, &a.Channel, &a.ChatID,
		&createdAt, &lastTriggered)
	if err != nil {
		return nil, err
	}

	a.Kind = domain.AlertKind(kind)
	a.Condition.PriceAbove = nullableFloat(priceAbove)
	a.Condition.PriceBelow = nullableFloat(priceBelow)
	a.Condition.PnlAbove = nullableFloat(pnlAbove)
	a.Condition.PnlBelow = nullableFloat(pnlBelow)
	a.Enabled = enabled != 0
	a.Triggered = triggered != 0

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.CreatedAt = t
	if lastTriggered.Valid && lastTriggered.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastTriggered.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_triggered_at: %w", err)
		}
		a.LastTriggeredAt = &t
	}
	return &a, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
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

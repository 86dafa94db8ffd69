package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// Repository handles trading_credentials rows. Blobs are stored
// encrypted; this layer never sees plaintext.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a credential repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "credentials").Logger(),
	}
}

const credentialColumns = `user_id, venue, mode, encrypted_blob, enabled,
	last_used_at, failed_attempts, cooldown_until, last_error, status`

// Upsert writes a credential, replacing any previous row for the same
// (user, venue). Counters and cooldown state are taken from the value.
func (r *Repository) Upsert(ctx context.Context, cred *domain.TradingCredential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trading_credentials
			(user_id, venue, mode, encrypted_blob, enabled, last_used_at,
			 failed_attempts, cooldown_until, last_error, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.UserID, cred.Venue, string(cred.Mode), cred.EncryptedBlob,
		boolToInt(cred.Enabled), formatNullableTime(cred.LastUsedAt),
		cred.FailedAttempts, formatNullableTime(cred.CooldownUntil),
		cred.LastError, cred.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert credential %s/%s: %w", cred.UserID, cred.Venue, err)
	}
	return nil
}

// Get returns a credential, or (nil, nil) when none is stored.
func (r *Repository) Get(ctx context.Context, userID, venue string) (*domain.TradingCredential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM trading_credentials
		WHERE user_id = ? AND venue = ?`, userID, venue)

	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s/%s: %w", userID, venue, err)
	}
	return cred, nil
}

// ListByUser returns all credentials for a user ordered by venue.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.TradingCredential, error) {
	return r.list(ctx, `
		SELECT `+credentialColumns+`
		FROM trading_credentials
		WHERE user_id = ?
		ORDER BY venue`, userID)
}

// ListEnabled returns the user's enabled credentials ordered by venue.
// Cooldown state is included; callers decide whether to skip.
func (r *Repository) ListEnabled(ctx context.Context, userID string) ([]domain.TradingCredential, error) {
	return r.list(ctx, `
		SELECT `+credentialColumns+`
		FROM trading_credentials
		WHERE user_id = ? AND enabled = 1
		ORDER BY venue`, userID)
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]domain.TradingCredential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []domain.TradingCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

// SetEnabled toggles a credential without touching its blob or counters.
func (r *Repository) SetEnabled(ctx context.Context, userID, venue string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trading_credentials SET enabled = ?
		WHERE user_id = ? AND venue = ?`,
		boolToInt(enabled), userID, venue)
	if err != nil {
		return fmt.Errorf("set enabled %s/%s: %w", userID, venue, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a credential.
func (r *Repository) Delete(ctx context.Context, userID, venue string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM trading_credentials WHERE user_id = ? AND venue = ?`,
		userID, venue)
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", userID, venue, err)
	}
	return nil
}

// UpdateFailureState writes the counters after a failed venue call.
func (r *Repository) UpdateFailureState(ctx context.Context, userID, venue string, attempts int, cooldownUntil *time.Time, lastError, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trading_credentials
		SET failed_attempts = ?, cooldown_until = ?, last_error = ?, status = ?
		WHERE user_id = ? AND venue = ?`,
		attempts, formatNullableTime(cooldownUntil), lastError, status, userID, venue)
	if err != nil {
		return fmt.Errorf("update failure state %s/%s: %w", userID, venue, err)
	}
	return nil
}

// UpdateSuccessState clears counters and stamps last_used_at.
func (r *Repository) UpdateSuccessState(ctx context.Context, userID, venue string, usedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trading_credentials
		SET failed_attempts = 0, cooldown_until = NULL, last_error = '',
		    status = 'ok', last_used_at = ?
		WHERE user_id = ? AND venue = ?`,
		usedAt.UTC().Format(time.RFC3339Nano), userID, venue)
	if err != nil {
		return fmt.Errorf("update success state %s/%s: %w", userID, venue, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*domain.TradingCredential, error) {
	var (
		cred          domain.TradingCredential
		mode          string
		enabled       int
		lastUsedAt    sql.NullString
		cooldownUntil sql.NullString
	)
	err := row.Scan(&cred.UserID, &cred.Venue, &mode, &cred.EncryptedBlob,
		&enabled, &lastUsedAt, &cred.FailedAttempts, &cooldownUntil,
		&cred.LastError, &cred.Status)
	if err != nil {
		return nil, err
	}

	cred.Mode = domain.CredentialMode(mode)
	cred.Enabled = enabled != 0
	if cred.LastUsedAt, err = parseNullableTime(lastUsedAt); err != nil {
		return nil, fmt.Errorf("parse last_used_at: %w", err)
	}
	if cred.CooldownUntil, err = parseNullableTime(cooldownUntil); err != nil {
		return nil, fmt.Errorf("parse cooldown_until: %w", err)
	}
	return &cred, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

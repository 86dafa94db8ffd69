// Package users manages user identity rows. A user is created on the first
// inbound message from an external platform and keyed internally by a uuid;
// every user-scoped table hangs off that id with ON DELETE CASCADE.
package users

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

// Repository handles user rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a user repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "users").Logger(),
	}
}

// GetOrCreate returns the user paired to an external platform identity,
// creating the row on first contact. The insert races safely: a concurrent
// creator wins via the unique index and we re-read.
func (r *Repository) GetOrCreate(ctx context.Context, externalPlatformID string) (*domain.User, error) {
	if externalPlatformID == "" {
		return nil, fmt.Errorf("external platform id is required")
	}

	user, err := r.GetByExternalID(ctx, externalPlatformID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (id, external_platform_id, settings, created_at)
		VALUES (?, ?, '{}', ?)`,
		id, externalPlatformID, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", externalPlatformID, err)
	}

	user, err = r.GetByExternalID(ctx, externalPlatformID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s vanished after insert", externalPlatformID)
	}
	if user.ID == id {
		r.log.Info().
			Str("user_id", id).
			Str("external_platform_id", externalPlatformID).
			Msg("User created")
	}
	return user, nil
}

// GetByID returns a user, or (nil, nil) when none exists.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, external_platform_id, settings, created_at
		FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

// GetByExternalID returns a user by platform identity, or (nil, nil).
func (r *Repository) GetByExternalID(ctx context.Context, externalPlatformID string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, external_platform_id, settings, created_at
		FROM users WHERE external_platform_id = ?`, externalPlatformID)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by external id %s: %w", externalPlatformID, err)
	}
	return user, nil
}

// List returns all users oldest-first. Scheduled jobs fan out over this.
func (r *Repository) List(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, external_platform_id, settings, created_at
		FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateSettings replaces the user's settings blob.
func (r *Repository) UpdateSettings(ctx context.Context, id string, settings map[string]string) error {
	if settings == nil {
		settings = map[string]string{}
	}
	blob, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET settings = ? WHERE id = ?`, string(blob), id)
	if err != nil {
		return fmt.Errorf("update settings %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a user. Positions, trades, credentials, snapshots and
// alerts follow through the cascading foreign keys.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		user      domain.User
		settings  string
		createdAt string
	)
	if err := row.Scan(&user.ID, &user.ExternalPlatformID, &settings, &createdAt); err != nil {
		return nil, err
	}

	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &user.Settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	user.CreatedAt = t
	return &user, nil
}

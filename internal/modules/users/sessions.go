package users

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// DefaultSessionTTL bounds how long a pairing code stays claimable.
const DefaultSessionTTL = 10 * time.Minute

const sessionCodeBytes = 6

// SessionRepository hands out and resolves pairing codes. The chat bots call
// Claim exactly once per code; everything after the exchange lives on their
// side of the boundary.
type SessionRepository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewSessionRepository creates a pairing session repository.
func NewSessionRepository(db *sql.DB, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{
		db:  db,
		log: log.With().Str("repository", "pairing_sessions").Logger(),
		now: time.Now,
	}
}

// Create issues a fresh code for the user, valid for ttl (DefaultSessionTTL
// when ttl <= 0). Codes are random base58 so they survive being read aloud.
func (r *SessionRepository) Create(ctx context.Context, userID string, ttl time.Duration) (*domain.PairingSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}

	now := r.now().UTC()
	session := &domain.PairingSession{
		Code:      code,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pairing_sessions (code, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		session.Code, session.UserID,
		session.CreatedAt.Format(time.RFC3339Nano),
		session.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create pairing session: %w", err)
	}

	r.log.Debug().
		Str("user_id", userID).
		Time("expires_at", session.ExpiresAt).
		Msg("Pairing code issued")
	return session, nil
}

// Get returns a session by code, or (nil, nil) when none exists.
func (r *SessionRepository) Get(ctx context.Context, code string) (*domain.PairingSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT code, user_id, channel, external_user_id, created_at, expires_at, claimed_at
		FROM pairing_sessions WHERE code = ?`, code)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing session: %w", err)
	}
	return session, nil
}

// Claim exchanges a code for the owning user's id, recording which messaging
// identity performed the exchange. A code can be claimed once and only while
// unexpired; anything else returns an error without touching the row.
func (r *SessionRepository) Claim(ctx context.Context, code, channel, externalUserID string) (*domain.PairingSession, error) {
	if code == "" {
		return nil, fmt.Errorf("pairing code is required")
	}

	session, err := r.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("pairing code not found")
	}
	if session.Claimed() {
		return nil, fmt.Errorf("pairing code already claimed")
	}

	now := r.now().UTC()
	if session.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("pairing code expired")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions
		SET channel = ?, external_user_id = ?, claimed_at = ?
		WHERE code = ? AND claimed_at IS NULL`,
		channel, externalUserID, now.Format(time.RFC3339Nano), code)
	if err != nil {
		return nil, fmt.Errorf("claim pairing session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another claimer between read and update.
		return nil, fmt.Errorf("pairing code already claimed")
	}

	session.Channel = channel
	session.ExternalUserID = externalUserID
	session.ClaimedAt = &now

	r.log.Info().
		Str("user_id", session.UserID).
		Str("channel", channel).
		Msg("Pairing code claimed")
	return session, nil
}

// PruneExpired removes sessions past their expiry plus claimed sessions older
// than the cutoff, returning how many rows went away.
func (r *SessionRepository) PruneExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE expires_at < ? OR (claimed_at IS NOT NULL AND claimed_at < ?)`,
		cutoff.UTC().Format(time.RFC3339Nano),
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune pairing sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug().Int64("removed", n).Msg("Pairing sessions pruned")
	}
	return n, nil
}

func generateCode() (string, error) {
	buf := make([]byte, sessionCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

func scanSession(row rowScanner) (*domain.PairingSession, error) {
	var (
		session   domain.PairingSession
		createdAt string
		expiresAt string
		claimedAt sql.NullString
	)
	err := row.Scan(&session.Code, &session.UserID, &session.Channel,
		&session.ExternalUserID, &createdAt, &expiresAt, &claimedAt)
	if err != nil {
		return nil, err
	}

	if session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if claimedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, claimedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse claimed_at: %w", err)
		}
		session.ClaimedAt = &t
	}
	return &session, nil
}

// Package vault stores venue credentials encrypted at rest and enforces
// the failure-counter / cooldown policy around their use.
//
// The decryption key is process-scoped: it arrives through the
// environment, lives in the Vault object and is never persisted.
// Credentials are handed to callers by value and must not be retained.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	statusOK       = "ok"
	statusError    = "error"
	statusCooldown = "cooldown"

	// maxCooldown caps the exponential backoff.
	maxCooldown = time.Hour

	// maxStoredError bounds last_error; venue messages can embed pages.
	maxStoredError = 200
)

// Options tunes the failure policy. Zero values fall back to defaults.
type Options struct {
	FailureThreshold int           // failures before the first cooldown (default 3)
	CooldownBase     time.Duration // first cooldown length, doubles per failure (default 1m)
}

// Vault is the only component that sees credential plaintext.
type Vault struct {
	repo      *Repository
	box       *cipherBox
	log       zerolog.Logger
	threshold int
	base      time.Duration

	now func() time.Time
}

// New creates a vault around the given database connection. The key must
// be 32 bytes (AES-256).
func New(db *sql.DB, key []byte, opts Options, log zerolog.Logger) (*Vault, error) {
	box, err := newCipherBox(key)
	if err != nil {
		return nil, err
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = time.Minute
	}
	log = log.With().Str("component", "vault").Logger()
	return &Vault{
		repo:      NewRepository(db, log),
		box:       box,
		log:       log,
		threshold: opts.FailureThreshold,
		base:      opts.CooldownBase,
		now:       time.Now,
	}, nil
}

// Store encrypts and persists credentials for (user, venue), replacing
// any previous row and clearing failure state.
func (v *Vault) Store(ctx context.Context, userID, venue string, mode domain.CredentialMode, creds domain.Credentials) error {
	if userID == "" || venue == "" {
		return venues.NewValidationError(venue, "user id and venue are required")
	}
	if mode == "" {
		mode = domain.ModeLive
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	blob, err := v.box.seal(payload)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}

	cred := &domain.TradingCredential{
		UserID:        userID,
		Venue:         venue,
		Mode:          mode,
		EncryptedBlob: blob,
		Enabled:       true,
		Status:        statusOK,
	}
	if err := v.repo.Upsert(ctx, cred); err != nil {
		return venues.NewStorageError(venue, err)
	}

	v.log.Info().Str("user_id", userID).Str("venue", venue).Str("mode", string(mode)).
		Msg("credential stored")
	return nil
}

// Get decrypts the credentials for (user, venue). Refused with a
// CooldownError while the credential is cooling down, and with a
// NotFoundError when missing or disabled.
func (v *Vault) Get(ctx context.Context, userID, venue string) (domain.Credentials, error) {
	cred, err := v.repo.Get(ctx, userID, venue)
	if err != nil {
		return domain.Credentials{}, venues.NewStorageError(venue, err)
	}
	if cred == nil {
		return domain.Credentials{}, venues.NewNotFoundError(venue, "no credentials stored")
	}
	if !cred.Enabled {
		return domain.Credentials{}, venues.NewNotFoundError(venue, "credentials disabled")
	}
	if cred.InCooldown(v.now()) {
		return domain.Credentials{}, venues.NewCooldownError(venue, *cred.CooldownUntil)
	}

	payload, err := v.box.open(cred.EncryptedBlob)
	if err != nil {
		return domain.Credentials{}, venues.NewStorageError(venue, err)
	}
	var creds domain.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return domain.Credentials{}, venues.NewStorageError(venue, err)
	}

	creds.UserID = userID
	creds.Venue = venue
	creds.Mode = cred.Mode
	return creds, nil
}

// List returns credential metadata for a user. Blobs stay sealed.
func (v *Vault) List(ctx context.Context, userID string) ([]domain.TradingCredential, error) {
	creds, err := v.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, venues.NewStorageError("", err)
	}
	return creds, nil
}

// ListEnabled returns the user's enabled credentials, cooldown state
// included. Callers decide whether a cooling venue is skipped or
// surfaced.
func (v *Vault) ListEnabled(ctx context.Context, userID string) ([]domain.TradingCredential, error) {
	creds, err := v.repo.ListEnabled(ctx, userID)
	if err != nil {
		return nil, venues.NewStorageError("", err)
	}
	return creds, nil
}

// RecordFailure increments the failure counter. Once the count reaches
// the threshold the credential cools down for base×2^(failures−threshold),
// capped at one hour.
func (v *Vault) RecordFailure(ctx context.Context, userID, venue string, cause error) error {
	cred, err := v.repo.Get(ctx, userID, venue)
	if err != nil {
		return venues.NewStorageError(venue, err)
	}
	if cred == nil {
		return venues.NewNotFoundError(venue, "no credentials stored")
	}

	attempts := cred.FailedAttempts + 1
	status := statusError
	var until *time.Time
	if attempts >= v.threshold {
		cooldown := backoff(v.base, attempts-v.threshold)
		t := v.now().Add(cooldown)
		until = &t
		status = statusCooldown
	}

	lastError := ""
	if cause != nil {
		lastError = truncate(cause.Error(), maxStoredError)
	}
	if err := v.repo.UpdateFailureState(ctx, userID, venue, attempts, until, lastError, status); err != nil {
		return venues.NewStorageError(venue, err)
	}

	event := v.log.Warn().Str("user_id", userID).Str("venue", venue).
		Int("failed_attempts", attempts).Str("status", status)
	if until != nil {
		event = event.Time("cooldown_until", *until)
	}
	event.Msg("credential failure recorded")
	return nil
}

// RecordSuccess clears the failure counter and cooldown and stamps
// last_used_at.
func (v *Vault) RecordSuccess(ctx context.Context, userID, venue string) error {
	if err := v.repo.UpdateSuccessState(ctx, userID, venue, v.now()); err != nil {
		return venues.NewStorageError(venue, err)
	}
	return nil
}

// SetEnabled toggles a credential.
func (v *Vault) SetEnabled(ctx context.Context, userID, venue string, enabled bool) error {
	err := v.repo.SetEnabled(ctx, userID, venue, enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return venues.NewNotFoundError(venue, "no credentials stored")
	}
	if err != nil {
		return venues.NewStorageError(venue, err)
	}
	return nil
}

// Delete removes a credential and its blob.
func (v *Vault) Delete(ctx context.Context, userID, venue string) error {
	if err := v.repo.Delete(ctx, userID, venue); err != nil {
		return venues.NewStorageError(venue, err)
	}
	return nil
}

// backoff doubles the base per failure past the threshold.
func backoff(base time.Duration, exponent int) time.Duration {
	if exponent > 16 {
		return maxCooldown
	}
	d := base << uint(exponent)
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

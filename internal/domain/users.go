// Package domain holds the shared entity types used across modules.
//
// All user-scoped entities are owned exclusively by their User; deleting a
// User cascades at the storage layer. Market and index rows are
// process-scoped caches. Matches and opportunities are process-scoped but
// persisted.
package domain

import (
	"time"
)

// User is created on first inbound message from an external platform and
// never destroyed. ExternalPlatformID is the identity the surrounding chat
// bots resolve through their pairing flow.
type User struct {
	ID                 string            `json:"id"`
	ExternalPlatformID string            `json:"external_platform_id"`
	Settings           map[string]string `json:"settings,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// PairingSession is a short-lived code a chat bot exchanges for the owning
// user's id. Channel and ExternalUserID are filled at claim time; claimed and
// expired rows are swept by the sessions.prune job.
type PairingSession struct {
	Code           string     `json:"code"`
	UserID         string     `json:"user_id"`
	Channel        string     `json:"channel,omitempty"`
	ExternalUserID string     `json:"external_user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
}

// Claimed reports whether the code has already been exchanged.
func (p *PairingSession) Claimed() bool {
	return p.ClaimedAt != nil
}

// CredentialMode distinguishes demo (paper) from live venue access.
type CredentialMode string

const (
	ModeDemo CredentialMode = "demo"
	ModeLive CredentialMode = "live"
)

// TradingCredential is the stored, encrypted form of a user's venue access.
// (UserID, Venue) is unique. The blob is only ever decrypted by the vault
// with the process-scoped key.
type TradingCredential struct {
	UserID         string         `json:"user_id"`
	Venue          string         `json:"venue"`
	Mode           CredentialMode `json:"mode"`
	EncryptedBlob  []byte         `json:"-"`
	Enabled        bool           `json:"enabled"`
	LastUsedAt     *time.Time     `json:"last_used_at,omitempty"`
	FailedAttempts int            `json:"failed_attempts"`
	CooldownUntil  *time.Time     `json:"cooldown_until,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Status         string         `json:"status"` // ok, error, cooldown
}

// InCooldown reports whether the credential is refused until a later time.
func (c *TradingCredential) InCooldown(now time.Time) bool {
	return c.CooldownUntil != nil && c.CooldownUntil.After(now)
}

// Credentials is the decrypted payload handed to adapters by value per call.
// Adapters must not retain it. Field usage varies per venue: CEX venues use
// APIKey/APISecret (+Passphrase for some), EVM venues use PrivateKey or
// WalletAddress, Solana venues use WalletAddress.
type Credentials struct {
	UserID        string         `json:"-"`
	Venue         string         `json:"-"`
	Mode          CredentialMode `json:"mode,omitempty"`
	APIKey        string         `json:"api_key,omitempty"`
	APISecret     string         `json:"api_secret,omitempty"`
	Passphrase    string         `json:"passphrase,omitempty"`
	PrivateKey    string         `json:"private_key,omitempty"` // Hex (EVM) or base58 (Solana)
	WalletAddress string         `json:"wallet_address,omitempty"`
	Subaccount    string         `json:"subaccount,omitempty"`
}

package solana

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// LamportsPerSOL converts between lamports and SOL.
const LamportsPerSOL = 1_000_000_000

// LamportsToSOL converts a lamport amount to SOL.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// ValidateAddress checks that s is a base58-encoded 32-byte key.
// Accepts both wallet addresses and PDAs.
func ValidateAddress(s string) error {
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("address must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// IsOnCurve reports whether a 32-byte key is a valid ed25519 curve point.
// Wallet addresses are on-curve; PDAs are not.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// ValidateWalletAddress checks base58 shape and that the key is on-curve,
// rejecting PDAs where a signing wallet is required.
func ValidateWalletAddress(s string) error {
	if err := ValidateAddress(s); err != nil {
		return err
	}
	raw, _ := base58.Decode(s)
	if !IsOnCurve(raw) {
		return fmt.Errorf("address is not an ed25519 public key")
	}
	return nil
}

// pdaMarker terminates the hash input for program derived addresses.
var pdaMarker = []byte("ProgramDerivedAddress")

// FindProgramAddress derives the canonical PDA for the given seeds and
// program, searching bumps 255 down to 0 for the first off-curve result.
func FindProgramAddress(seeds [][]byte, programID string) (string, uint8, error) {
	program, err := base58.Decode(programID)
	if err != nil || len(program) != 32 {
		return "", 0, fmt.Errorf("invalid program id %q", programID)
	}

	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program)
		h.Write(pdaMarker)

		candidate := h.Sum(nil)
		if !IsOnCurve(candidate) {
			return base58.Encode(candidate), uint8(bump), nil
		}
	}
	return "", 0, fmt.Errorf("no viable program address bump for seeds")
}

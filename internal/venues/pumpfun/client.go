// Package pumpfun prices pump.fun tokens straight from their on-chain
// bonding curve. The curve account is a PDA of ["bonding-curve", mint]
// under the pump.fun program; pricing is constant-product over the virtual
// reserves.
package pumpfun

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/solana"
)

const (
	// ProgramID is the pump.fun bonding curve program.
	ProgramID = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

	curveSeed = "bonding-curve"

	// Pump.fun tokens are minted with 6 decimals.
	tokenDecimals = 1e6

	// Curve account layout: 8-byte discriminator, then five u64 fields and
	// a completion flag.
	curveDataLen = 8 + 5*8 + 1
)

// Client reads bonding curves over RPC.
type Client struct {
	rpc *solana.Client
	log zerolog.Logger
}

// New creates the pump.fun adapter.
func New(rpc *solana.Client, log zerolog.Logger) *Client {
	return &Client{
		rpc: rpc,
		log: log.With().Str("venue", venues.VenuePumpFun).Logger(),
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenuePumpFun }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{PriceUnit: venues.PriceQuote}
}

func resolveWallet(creds domain.Credentials) (string, error) {
	if creds.WalletAddress == "" {
		return "", venues.NewValidationError(venues.VenuePumpFun, "wallet address is required")
	}
	if err := solana.ValidateWalletAddress(creds.WalletAddress); err != nil {
		return "", venues.NewValidationError(venues.VenuePumpFun, "invalid wallet address")
	}
	return creds.WalletAddress, nil
}

// FetchPositions implements venues.Adapter.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	if _, err := resolveWallet(creds); err != nil {
		return nil, err
	}
	return []domain.Position{}, nil
}

// FetchBalances implements venues.Adapter. The curve settles in SOL.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	lamports, err := c.rpc.GetBalance(ctx, wallet)
	if err != nil {
		return nil, venues.NewNetworkError(venues.VenuePumpFun, fmt.Errorf("get balance: %w", err))
	}

	sol := solana.LamportsToSOL(lamports)
	return []domain.Balance{{
		Venue:     venues.VenuePumpFun,
		Asset:     "SOL",
		Available: sol,
		Total:     sol,
	}}, nil
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	return nil, venues.NewNotSupported(venues.VenuePumpFun, "trade history")
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenuePumpFun, "funding history")
}

// curveState is the decoded bonding curve account.
type curveState struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
}

func parseCurve(data []byte) (*curveState, error) {
	if len(data) < curveDataLen {
		return nil, fmt.Errorf("curve account too short: %d bytes", len(data))
	}
	return &curveState{
		VirtualTokenReserves: binary.LittleEndian.Uint64(data[8:]),
		VirtualSolReserves:   binary.LittleEndian.Uint64(data[16:]),
		RealTokenReserves:    binary.LittleEndian.Uint64(data[24:]),
		RealSolReserves:      binary.LittleEndian.Uint64(data[32:]),
		TokenTotalSupply:     binary.LittleEndian.Uint64(data[40:]),
		Complete:             data[48] != 0,
	}, nil
}

// spotPrice is SOL per whole token at the current reserves.
func (s *curveState) spotPrice() float64 {
	if s.VirtualTokenReserves == 0 {
		return 0
	}
	sol := float64(s.VirtualSolReserves) / solana.LamportsPerSOL
	tokens := float64(s.VirtualTokenReserves) / tokenDecimals
	return sol / tokens
}

// CurveForMint fetches and decodes the bonding curve account of a mint.
func (c *Client) CurveForMint(ctx context.Context, mint string) (*curveState, error) {
	mintBytes, err := base58.Decode(mint)
	if err != nil || len(mintBytes) != 32 {
		return nil, venues.NewValidationError(venues.VenuePumpFun, "invalid mint address")
	}

	curveAddr, _, err := solana.FindProgramAddress([][]byte{[]byte(curveSeed), mintBytes}, ProgramID)
	if err != nil {
		return nil, venues.NewVenueError(venues.VenuePumpFun, 0, "curve address derivation failed")
	}

	info, err := c.rpc.GetAccountInfo(ctx, curveAddr)
	if err != nil {
		return nil, venues.NewNetworkError(venues.VenuePumpFun, fmt.Errorf("get account info: %w", err))
	}
	if info == nil {
		return nil, venues.NewVenueError(venues.VenuePumpFun, 0, "bonding curve not found")
	}

	state, err := parseCurve(info.Data)
	if err != nil {
		return nil, venues.NewVenueError(venues.VenuePumpFun, 0, err.Error())
	}
	return state, nil
}

// Quote implements venues.Adapter. MarketID is the token mint; Price is
// the average SOL per token for filling `size` tokens against the curve,
// PriceImpact the deviation from spot.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenuePumpFun, "side must be buy or sell")
	}
	if size <= 0 {
		return nil, venues.NewValidationError(venues.VenuePumpFun, "size must be positive")
	}

	state, err := c.CurveForMint(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if state.Complete {
		return nil, venues.NewVenueError(venues.VenuePumpFun, 0, "bonding curve complete, token has graduated")
	}

	avg, err := curveFill(state, side, size)
	if err != nil {
		return nil, err
	}

	spot := state.spotPrice()
	impact := 0.0
	if spot > 0 {
		impact = (avg - spot) / spot
		if impact < 0 {
			impact = -impact
		}
	}

	return &venues.Quote{
		Venue:       venues.VenuePumpFun,
		MarketID:    marketID,
		Side:        side,
		Size:        size,
		Price:       avg,
		PriceImpact: impact,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// curveFill computes the average SOL-per-token price for moving `size`
// whole tokens through the constant-product curve.
func curveFill(s *curveState, side string, size float64) (float64, error) {
	vTok := float64(s.VirtualTokenReserves)
	vSol := float64(s.VirtualSolReserves)
	if vTok <= 0 || vSol <= 0 {
		return 0, venues.NewVenueError(venues.VenuePumpFun, 0, "empty curve reserves")
	}

	raw := size * tokenDecimals
	k := vTok * vSol

	var solDelta float64
	if side == domain.SideBuy {
		newTok := vTok - raw
		if newTok <= 0 {
			return 0, venues.NewVenueError(venues.VenuePumpFun, 0, "size exceeds curve liquidity")
		}
		solDelta = k/newTok - vSol
	} else {
		newTok := vTok + raw
		solDelta = vSol - k/newTok
	}
	if solDelta <= 0 {
		return 0, venues.NewVenueError(venues.VenuePumpFun, 0, "curve returned no value")
	}

	return (solDelta / solana.LamportsPerSOL) / size, nil
}

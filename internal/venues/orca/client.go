// Package orca integrates the Orca whirlpool API. Whirlpools are
// concentrated-liquidity pools; prices arrive as Q64.64 sqrt values and
// quotes are estimated against the in-range liquidity of the active tick.
package orca

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/solana"
)

const defaultBaseURL = "https://api.orca.so"

// q64 is the Q64.64 fixed-point scale.
var q64 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 64), 0)

// Client talks to the Orca whirlpool API.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Orca adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueOrca).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueOrca,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueOrca }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{PriceUnit: venues.PriceQuote}
}

// FetchPositions implements venues.Adapter. Whirlpools carry no per-user
// positions the portfolio tracks.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	return []domain.Position{}, nil
}

// FetchBalances implements venues.Adapter.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	return []domain.Balance{}, nil
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	return nil, venues.NewNotSupported(venues.VenueOrca, "trade history")
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueOrca, "funding")
}

type tokenMeta struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type whirlpool struct {
	Address    string    `json:"address"`
	TokenMintA string    `json:"tokenMintA"`
	TokenMintB string    `json:"tokenMintB"`
	TokenA     tokenMeta `json:"tokenA"`
	TokenB     tokenMeta `json:"tokenB"`
	SqrtPrice  string    `json:"sqrtPrice"` // Q64.64
	Liquidity  string    `json:"liquidity"`
	FeeRate    float64   `json:"feeRate"` // fraction
	TvlUsdc    float64   `json:"tvlUsdc"`
}

type poolsResponse struct {
	Data []whirlpool `json:"data"`
}

func (c *Client) fetchPools(ctx context.Context, mintA, mintB string) ([]whirlpool, error) {
	var resp poolsResponse
	err := c.rest.Get(ctx, "/v2/solana/pools", map[string]string{
		"tokensBothOf":  mintA + "," + mintB,
		"sortBy":        "tvl",
		"sortDirection": "desc",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch pools: %w", err)
	}
	return resp.Data, nil
}

// sqrtRatio converts a Q64.64 sqrt price string to a float.
func sqrtRatio(raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil || d.Sign() <= 0 {
		return 0, fmt.Errorf("bad sqrt price %q", raw)
	}
	return d.Div(q64).InexactFloat64(), nil
}

func parseLiquidity(raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil || d.Sign() <= 0 {
		return 0, fmt.Errorf("bad liquidity %q", raw)
	}
	return d.InexactFloat64(), nil
}

// Quote implements venues.Adapter. Price is the estimated average fill
// price within the active tick, in quote units per base unit.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueOrca, "side must be buy or sell")
	}
	if size <= 0 {
		return nil, venues.NewValidationError(venues.VenueOrca, "size must be positive")
	}
	baseMint, quoteMint, err := splitPair(marketID)
	if err != nil {
		return nil, err
	}

	pools, err := c.fetchPools(ctx, baseMint, quoteMint)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		baseIsA := p.TokenMintA == baseMint && p.TokenMintB == quoteMint
		baseIsB := p.TokenMintB == baseMint && p.TokenMintA == quoteMint
		if !baseIsA && !baseIsB {
			continue
		}
		s, err := sqrtRatio(p.SqrtPrice)
		if err != nil {
			c.log.Warn().Str("pool", p.Address).Err(err).Msg("skipping pool with bad sqrt price")
			continue
		}
		liquidity, err := parseLiquidity(p.Liquidity)
		if err != nil {
			c.log.Warn().Str("pool", p.Address).Err(err).Msg("skipping pool with bad liquidity")
			continue
		}

		var avgRaw, spotRaw, scale float64
		if baseIsA {
			avgRaw, err = fillBaseA(s, liquidity, side, size*math.Pow10(p.TokenA.Decimals))
			spotRaw = s * s
			scale = math.Pow10(p.TokenA.Decimals - p.TokenB.Decimals)
		} else {
			avgRaw, err = fillBaseB(s, liquidity, side, size*math.Pow10(p.TokenB.Decimals))
			spotRaw = 1 / (s * s)
			scale = math.Pow10(p.TokenB.Decimals - p.TokenA.Decimals)
		}
		if err != nil {
			return nil, err
		}

		avg := avgRaw * scale
		spot := spotRaw * scale
		return &venues.Quote{
			Venue:       venues.VenueOrca,
			MarketID:    marketID,
			Side:        side,
			Size:        size,
			Price:       avg,
			Fee:         avg * size * p.FeeRate,
			PriceImpact: math.Abs(avg-spot) / spot,
			FetchedAt:   time.Now().UTC(),
		}, nil
	}
	return nil, venues.NewVenueError(venues.VenueOrca, 0, "no whirlpool found for pair")
}

// fillBaseA swaps token A against in-range liquidity and returns the
// average raw price in B per A. Token A amounts move 1/sqrtPrice, token
// B amounts move sqrtPrice.
func fillBaseA(s, liquidity float64, side string, sizeRaw float64) (float64, error) {
	if side == domain.SideBuy {
		if sizeRaw*s >= liquidity {
			return 0, venues.NewVenueError(venues.VenueOrca, 0, "size exceeds in-range liquidity")
		}
		next := liquidity * s / (liquidity - sizeRaw*s)
		return liquidity * (next - s) / sizeRaw, nil
	}
	next := liquidity * s / (liquidity + sizeRaw*s)
	return liquidity * (s - next) / sizeRaw, nil
}

// fillBaseB swaps token B and returns the average raw price in A per B.
func fillBaseB(s, liquidity float64, side string, sizeRaw float64) (float64, error) {
	if side == domain.SideBuy {
		next := s - sizeRaw/liquidity
		if next <= 0 {
			return 0, venues.NewVenueError(venues.VenueOrca, 0, "size exceeds in-range liquidity")
		}
		return liquidity * (1/next - 1/s) / sizeRaw, nil
	}
	next := s + sizeRaw/liquidity
	return liquidity * (1/s - 1/next) / sizeRaw, nil
}

// splitPair parses "baseMint:quoteMint" and validates both mints.
func splitPair(marketID string) (string, string, error) {
	parts := strings.SplitN(marketID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", venues.NewValidationError(venues.VenueOrca, "market id must be baseMint:quoteMint")
	}
	for _, mint := range parts {
		if err := solana.ValidateAddress(mint); err != nil {
			return "", "", venues.NewValidationError(venues.VenueOrca, "invalid mint address")
		}
	}
	return parts[0], parts[1], nil
}

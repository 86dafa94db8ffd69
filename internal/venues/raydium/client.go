// Package raydium integrates the Raydium pool info API. Raydium is a
// Solana AMM; the adapter serves quotes only, with price impact estimated
// from pool reserves under the constant-product rule.
package raydium

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/solana"
)

const (
	defaultBaseURL = "https://api-v3.raydium.io"

	// poolPageSize bounds the pool lookup; pools arrive sorted by
	// liquidity so the first matching entry is the deepest.
	poolPageSize = 10
)

// Client talks to the Raydium v3 pool API.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Raydium adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueRaydium).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueRaydium,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueRaydium }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{PriceUnit: venues.PriceQuote}
}

// FetchPositions implements venues.Adapter. AMM pools carry no per-user
// positions; wallet holdings surface through the Solana RPC venues.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	return []domain.Position{}, nil
}

// FetchBalances implements venues.Adapter.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	return []domain.Balance{}, nil
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	return nil, venues.NewNotSupported(venues.VenueRaydium, "trade history")
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueRaydium, "funding")
}

type poolMint struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type pool struct {
	Type        string   `json:"type"`
	ProgramID   string   `json:"programId"`
	ID          string   `json:"id"`
	MintA       poolMint `json:"mintA"`
	MintB       poolMint `json:"mintB"`
	Price       float64  `json:"price"`
	MintAmountA float64  `json:"mintAmountA"`
	MintAmountB float64  `json:"mintAmountB"`
	FeeRate     float64  `json:"feeRate"`
	TVL         float64  `json:"tvl"`
}

type poolPage struct {
	Count int    `json:"count"`
	Data  []pool `json:"data"`
}

type poolEnvelope struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Msg     string   `json:"msg"`
	Data    poolPage `json:"data"`
}

func (c *Client) fetchPools(ctx context.Context, mint1, mint2 string) ([]pool, error) {
	var envelope poolEnvelope
	err := c.rest.Get(ctx, "/pools/info/mint", map[string]string{
		"mint1":         mint1,
		"mint2":         mint2,
		"poolType":      "all",
		"poolSortField": "liquidity",
		"sortType":      "desc",
		"pageSize":      fmt.Sprintf("%d", poolPageSize),
		"page":          "1",
	}, &envelope)
	if err != nil {
		return nil, fmt.Errorf("fetch pools: %w", err)
	}
	if !envelope.Success {
		return nil, venues.NewVenueError(venues.VenueRaydium, 0, envelope.Msg)
	}
	return envelope.Data.Data, nil
}

// orient maps a pool onto the requested pair. Raydium prices are mintB
// per mintA; when the base is mintB the price inverts.
func orient(p pool, baseMint, quoteMint string) (baseReserve, quoteReserve, spot float64, ok bool) {
	switch {
	case p.MintA.Address == baseMint && p.MintB.Address == quoteMint:
		return p.MintAmountA, p.MintAmountB, p.Price, true
	case p.MintB.Address == baseMint && p.MintA.Address == quoteMint:
		if p.Price <= 0 {
			return 0, 0, 0, false
		}
		return p.MintAmountB, p.MintAmountA, 1 / p.Price, true
	default:
		return 0, 0, 0, false
	}
}

// Quote implements venues.Adapter. Price is the constant-product average
// fill price in quote units per base unit.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueRaydium, "side must be buy or sell")
	}
	if size <= 0 {
		return nil, venues.NewValidationError(venues.VenueRaydium, "size must be positive")
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
		baseReserve, quoteReserve, spot, ok := orient(p, baseMint, quoteMint)
		if !ok || baseReserve <= 0 || quoteReserve <= 0 || spot <= 0 {
			continue
		}
		avg, err := constantProductFill(baseReserve, quoteReserve, side, size)
		if err != nil {
			return nil, err
		}
		return &venues.Quote{
			Venue:       venues.VenueRaydium,
			MarketID:    marketID,
			Side:        side,
			Size:        size,
			Price:       avg,
			Fee:         avg * size * p.FeeRate,
			PriceImpact: math.Abs(avg-spot) / spot,
			FetchedAt:   time.Now().UTC(),
		}, nil
	}
	return nil, venues.NewVenueError(venues.VenueRaydium, 0, "no pool found for pair")
}

// constantProductFill returns the average price of removing (buy) or
// adding (sell) `size` base units against x*y=k reserves.
func constantProductFill(baseReserve, quoteReserve float64, side string, size float64) (float64, error) {
	k := baseReserve * quoteReserve
	if side == domain.SideBuy {
		newBase := baseReserve - size
		if newBase <= 0 {
			return 0, venues.NewVenueError(venues.VenueRaydium, 0, "size exceeds pool liquidity")
		}
		quoteIn := k/newBase - quoteReserve
		return quoteIn / size, nil
	}
	newBase := baseReserve + size
	quoteOut := quoteReserve - k/newBase
	if quoteOut <= 0 {
		return 0, venues.NewVenueError(venues.VenueRaydium, 0, "pool returned no value")
	}
	return quoteOut / size, nil
}

// splitPair parses "baseMint:quoteMint" and validates both mints.
func splitPair(marketID string) (string, string, error) {
	parts := strings.SplitN(marketID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", venues.NewValidationError(venues.VenueRaydium, "market id must be baseMint:quoteMint")
	}
	for _, mint := range parts {
		if err := solana.ValidateAddress(mint); err != nil {
			return "", "", venues.NewValidationError(venues.VenueRaydium, "invalid mint address")
		}
	}
	return parts[0], parts[1], nil
}

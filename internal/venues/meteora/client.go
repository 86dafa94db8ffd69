// Package meteora integrates the Meteora DLMM pair API. DLMM pools hold
// liquidity in discrete price bins; quotes use the active bin price and
// the pair's base fee. Market ids are DLMM pair addresses.
package meteora

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/solana"
)

const defaultBaseURL = "https://dlmm-api.meteora.ag"

// Client talks to the Meteora DLMM API.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Meteora adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueMeteora).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueMeteora,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueMeteora }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{PriceUnit: venues.PriceQuote}
}

// FetchPositions implements venues.Adapter. DLMM pools carry no per-user
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
	return nil, venues.NewNotSupported(venues.VenueMeteora, "trade history")
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueMeteora, "funding")
}

type pair struct {
	Address           string  `json:"address"`
	Name              string  `json:"name"`
	MintX             string  `json:"mint_x"`
	MintY             string  `json:"mint_y"`
	BinStep           int     `json:"bin_step"`
	CurrentPrice      float64 `json:"current_price"`
	BaseFeePercentage string  `json:"base_fee_percentage"`
	Liquidity         string  `json:"liquidity"`
	TradeVolume24h    float64 `json:"trade_volume_24h"`
	IsBlacklisted     bool    `json:"is_blacklisted"`
}

func (c *Client) fetchPair(ctx context.Context, address string) (*pair, error) {
	var p pair
	if err := c.rest.Get(ctx, "/pair/"+address, nil, &p); err != nil {
		return nil, fmt.Errorf("fetch pair: %w", err)
	}
	return &p, nil
}

// baseFeeFraction parses the percentage string the API returns, e.g.
// "0.25" meaning 0.25%.
func baseFeeFraction(pct string) float64 {
	d, err := decimal.NewFromString(pct)
	if err != nil {
		return 0
	}
	return d.Div(decimal.New(100, 0)).InexactFloat64()
}

// Quote implements venues.Adapter. Price is the active bin price in
// token Y per token X. Per-bin depth is not exposed by the API, so no
// impact estimate is reported.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueMeteora, "side must be buy or sell")
	}
	if size <= 0 {
		return nil, venues.NewValidationError(venues.VenueMeteora, "size must be positive")
	}
	if err := solana.ValidateAddress(marketID); err != nil {
		return nil, venues.NewValidationError(venues.VenueMeteora, "market id must be a DLMM pair address")
	}

	p, err := c.fetchPair(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if p.IsBlacklisted {
		return nil, venues.NewVenueError(venues.VenueMeteora, 0, "pair is blacklisted")
	}
	if p.CurrentPrice <= 0 {
		return nil, venues.NewVenueError(venues.VenueMeteora, 0, "pair has no active bin price")
	}

	return &venues.Quote{
		Venue:     venues.VenueMeteora,
		MarketID:  marketID,
		Side:      side,
		Size:      size,
		Price:     p.CurrentPrice,
		Fee:       p.CurrentPrice * size * baseFeeFraction(p.BaseFeePercentage),
		FetchedAt: time.Now().UTC(),
	}, nil
}

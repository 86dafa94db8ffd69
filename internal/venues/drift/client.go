// Package drift integrates Drift Protocol's data and DLOB APIs. Reads are
// keyed by the user's Solana wallet; amounts arrive as fixed-point raw
// integers (base 1e9, quote and price 1e6).
package drift

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

const (
	defaultDataURL = "https://data.api.drift.trade"
	defaultDlobURL = "https://dlob.drift.trade"

	basePrecision  = 1e9
	quotePrecision = 1e6
	pricePrecision = 1e6
)

// Options configure the Drift adapter endpoints.
type Options struct {
	DataURL string
	DlobURL string
	Timeout time.Duration
}

// Client talks to the Drift data API and DLOB server.
type Client struct {
	data *venues.RESTClient
	dlob *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Drift adapter.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.DataURL == "" {
		opts.DataURL = defaultDataURL
	}
	if opts.DlobURL == "" {
		opts.DlobURL = defaultDlobURL
	}
	log = log.With().Str("venue", venues.VenueDrift).Logger()
	return &Client{
		data: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueDrift,
			BaseURL: opts.DataURL,
			Timeout: opts.Timeout,
			Log:     log,
		}),
		dlob: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueDrift,
			BaseURL: opts.DlobURL,
			Timeout: opts.Timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueDrift }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsFutures: true,
		SupportsFunding: true,
		PriceUnit:       venues.PriceQuote,
	}
}

func resolveWallet(creds domain.Credentials) (string, error) {
	if creds.WalletAddress == "" {
		return "", venues.NewValidationError(venues.VenueDrift, "wallet address is required")
	}
	if err := solana.ValidateWalletAddress(creds.WalletAddress); err != nil {
		return "", venues.NewValidationError(venues.VenueDrift, "invalid wallet address")
	}
	return creds.WalletAddress, nil
}

type perpPosition struct {
	MarketName       string  `json:"marketName"`
	BaseAssetAmount  float64 `json:"baseAssetAmount"`  // raw 1e9, signed
	QuoteEntryAmount float64 `json:"quoteEntryAmount"` // raw 1e6
	LiquidationPrice float64 `json:"liquidationPrice"` // raw 1e6
}

// FetchPositions implements venues.Adapter. The mark price comes from the
// DLOB mid per market; on failure the entry price is kept.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	var result struct {
		PerpPositions []perpPosition `json:"perpPositions"`
	}
	if err := c.data.Get(ctx, "/user/"+wallet+"/positions", nil, &result); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(result.PerpPositions))
	for _, pp := range result.PerpPositions {
		base := pp.BaseAssetAmount / basePrecision
		if base == 0 {
			continue
		}

		side := domain.SideLong
		size := base
		if base < 0 {
			side = domain.SideShort
			size = -base
		}

		quote := pp.QuoteEntryAmount / quotePrecision
		if quote < 0 {
			quote = -quote
		}
		entry := 0.0
		if size > 0 {
			entry = quote / size
		}

		current := entry
		if mid, err := c.midPrice(ctx, pp.MarketName); err != nil {
			c.log.Warn().Err(err).Str("market", pp.MarketName).Msg("Mid price lookup failed")
		} else if mid > 0 {
			current = mid
		}

		pos := domain.Position{
			Venue:         venues.VenueDrift,
			MarketID:      pp.MarketName,
			Side:          side,
			Size:          size,
			AvgEntryPrice: entry,
			CurrentPrice:  current,
			UpdatedAt:     now,
		}
		if pp.LiquidationPrice > 0 {
			liq := pp.LiquidationPrice / pricePrecision
			pos.LiquidationPrice = &liq
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// FetchBalances implements venues.Adapter. Drift margin accounts settle in
// USDC; collateral figures arrive quote-scaled.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	var result struct {
		TotalCollateral float64 `json:"totalCollateral"` // raw 1e6
		FreeCollateral  float64 `json:"freeCollateral"`  // raw 1e6
	}
	if err := c.data.Get(ctx, "/user/"+wallet+"/balances", nil, &result); err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}

	total := result.TotalCollateral / quotePrecision
	free := result.FreeCollateral / quotePrecision
	locked := total - free
	if locked < 0 {
		locked = 0
	}
	return []domain.Balance{{
		Venue:     venues.VenueDrift,
		Asset:     "USDC",
		Available: free,
		Locked:    locked,
		Total:     total,
	}}, nil
}

type fillRecord struct {
	RecordID               string  `json:"recordId"`
	TxSig                  string  `json:"txSig"`
	MarketName             string  `json:"marketName"`
	TakerOrderDirection    string  `json:"takerOrderDirection"`    // long or short
	BaseAssetAmountFilled  float64 `json:"baseAssetAmountFilled"`  // raw 1e9
	QuoteAssetAmountFilled float64 `json:"quoteAssetAmountFilled"` // raw 1e6
	TakerFee               float64 `json:"takerFee"`               // raw 1e6
	Ts                     int64   `json:"ts"`                     // unix seconds
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	var result struct {
		Trades []fillRecord `json:"trades"`
	}
	if err := c.data.Get(ctx, "/user/"+wallet+"/trades", nil, &result); err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}

	trades := make([]domain.Trade, 0, len(result.Trades))
	for _, f := range result.Trades {
		ts := time.Unix(f.Ts, 0).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}

		size := f.BaseAssetAmountFilled / basePrecision
		if size <= 0 {
			continue
		}
		price := f.QuoteAssetAmountFilled / quotePrecision / size

		side := domain.SideBuy
		if f.TakerOrderDirection == "short" {
			side = domain.SideSell
		}

		trades = append(trades, domain.Trade{
			Venue:        venues.VenueDrift,
			VenueTradeID: f.TxSig + "-" + f.RecordID,
			MarketID:     f.MarketName,
			Side:         side,
			Size:         size,
			Price:        price,
			Fee:          f.TakerFee / quotePrecision,
			Timestamp:    ts,
		})
		if q.Limit > 0 && len(trades) >= q.Limit {
			break
		}
	}
	return trades, nil
}

type fundingPaymentRecord struct {
	MarketName      string  `json:"marketName"`
	FundingPayment  float64 `json:"fundingPayment"`  // raw 1e6
	BaseAssetAmount float64 `json:"baseAssetAmount"` // raw 1e9
	FundingRate     float64 `json:"fundingRate"`
	Ts              int64   `json:"ts"` // unix seconds
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	var result struct {
		FundingPayments []fundingPaymentRecord `json:"fundingPayments"`
	}
	if err := c.data.Get(ctx, "/user/"+wallet+"/fundingPayments", nil, &result); err != nil {
		return nil, fmt.Errorf("funding payments: %w", err)
	}

	payments := make([]domain.FundingPayment, 0, len(result.FundingPayments))
	for _, rec := range result.FundingPayments {
		ts := time.Unix(rec.Ts, 0).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}
		size := rec.BaseAssetAmount / basePrecision
		if size < 0 {
			size = -size
		}
		payments = append(payments, domain.FundingPayment{
			Venue:        venues.VenueDrift,
			Symbol:       rec.MarketName,
			Rate:         rec.FundingRate,
			Amount:       rec.FundingPayment / quotePrecision,
			PositionSize: size,
			Timestamp:    ts,
		})
	}
	return payments, nil
}

type dlobLevel struct {
	Price string `json:"price"` // raw 1e6
	Size  string `json:"size"`  // raw 1e9
}

type dlobBook struct {
	Bids []dlobLevel `json:"bids"`
	Asks []dlobLevel `json:"asks"`
}

func (c *Client) fetchBook(ctx context.Context, market string) (*dlobBook, error) {
	var book dlobBook
	params := map[string]string{"marketName": market, "depth": "5"}
	if err := c.dlob.Get(ctx, "/l2", params, &book); err != nil {
		return nil, fmt.Errorf("l2 book: %w", err)
	}
	return &book, nil
}

func (c *Client) midPrice(ctx context.Context, market string) (float64, error) {
	book, err := c.fetchBook(ctx, market)
	if err != nil {
		return 0, err
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, nil
	}
	bid := parseRawPrice(book.Bids[0].Price)
	ask := parseRawPrice(book.Asks[0].Price)
	if bid <= 0 || ask <= 0 {
		return 0, nil
	}
	return (bid + ask) / 2, nil
}

// Quote implements venues.Adapter from the DLOB top of book.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueDrift, "side must be buy or sell")
	}
	if marketID == "" {
		return nil, venues.NewValidationError(venues.VenueDrift, "market id is required")
	}

	book, err := c.fetchBook(ctx, marketID)
	if err != nil {
		return nil, err
	}

	levels := book.Asks
	if side == domain.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return nil, venues.NewVenueError(venues.VenueDrift, 0, "empty order book side")
	}

	price := parseRawPrice(levels[0].Price)
	if price <= 0 {
		return nil, venues.NewVenueError(venues.VenueDrift, 0, "empty order book side")
	}

	return &venues.Quote{
		Venue:     venues.VenueDrift,
		MarketID:  marketID,
		Side:      side,
		Size:      size,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func parseRawPrice(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f / pricePrecision
}

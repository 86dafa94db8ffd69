// Package hyperliquid integrates the Hyperliquid perpetuals API. All reads
// go through POST /info keyed by wallet address; no API key is involved.
package hyperliquid

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const defaultBaseURL = "https://api.hyperliquid.xyz"

// Client talks to the Hyperliquid info endpoint.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Hyperliquid adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueHyperliquid).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueHyperliquid,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueHyperliquid }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsFutures: true,
		SupportsFunding: true,
		PriceUnit:       venues.PriceQuote,
	}
}

func resolveWallet(creds domain.Credentials) (string, error) {
	addr := creds.WalletAddress
	if addr == "" {
		return "", venues.NewValidationError(venues.VenueHyperliquid, "wallet address is required")
	}
	if !common.IsHexAddress(addr) {
		return "", venues.NewValidationError(venues.VenueHyperliquid, "invalid wallet address")
	}
	return common.HexToAddress(addr).Hex(), nil
}

func (c *Client) info(ctx context.Context, body, result any) error {
	_, err := c.rest.Do(ctx, venues.Request{
		Method: "POST",
		Path:   "/info",
		Body:   body,
		Result: result,
	})
	return err
}

type leverageInfo struct {
	Type  string  `json:"type"` // cross or isolated
	Value float64 `json:"value"`
}

type assetPosition struct {
	Position struct {
		Coin           string       `json:"coin"`
		Szi            string       `json:"szi"` // signed size
		EntryPx        string       `json:"entryPx"`
		PositionValue  string       `json:"positionValue"`
		UnrealizedPnl  string       `json:"unrealizedPnl"`
		LiquidationPx  *string      `json:"liquidationPx"`
		Leverage       leverageInfo `json:"leverage"`
		MarginUsed     string       `json:"marginUsed"`
		MaxLeverage    float64      `json:"maxLeverage"`
		ReturnOnEquity string       `json:"returnOnEquity"`
	} `json:"position"`
}

type clearinghouseState struct {
	AssetPositions []assetPosition `json:"assetPositions"`
	MarginSummary  struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
		TotalNtlPos     string `json:"totalNtlPos"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

func (c *Client) fetchState(ctx context.Context, creds domain.Credentials) (*clearinghouseState, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}
	var state clearinghouseState
	if err := c.info(ctx, map[string]string{"type": "clearinghouseState", "user": wallet}, &state); err != nil {
		return nil, fmt.Errorf("clearinghouse state: %w", err)
	}
	return &state, nil
}

// FetchPositions implements venues.Adapter. The sign of szi carries the
// direction; the stored size is always positive.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	state, err := c.fetchState(ctx, creds)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		szi := parseFloat(p.Szi)
		if szi == 0 {
			continue
		}

		side := domain.SideLong
		size := szi
		if szi < 0 {
			side = domain.SideShort
			size = -szi
		}

		entry := parseFloat(p.EntryPx)
		notional := parseFloat(p.PositionValue)
		current := entry
		if size > 0 && notional > 0 {
			current = notional / size
		}

		pos := domain.Position{
			Venue:         venues.VenueHyperliquid,
			MarketID:      p.Coin,
			Side:          side,
			Size:          size,
			AvgEntryPrice: entry,
			CurrentPrice:  current,
			UpdatedAt:     now,
			Notional:      &notional,
		}
		if p.Leverage.Value > 0 {
			lev := p.Leverage.Value
			pos.Leverage = &lev
		}
		if p.Leverage.Type != "" {
			mode := p.Leverage.Type
			pos.MarginMode = &mode
		}
		if p.LiquidationPx != nil && *p.LiquidationPx != "" {
			liq := parseFloat(*p.LiquidationPx)
			pos.LiquidationPrice = &liq
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// FetchBalances implements venues.Adapter. Hyperliquid settles in USDC.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	state, err := c.fetchState(ctx, creds)
	if err != nil {
		return nil, err
	}

	return []domain.Balance{{
		Venue:     venues.VenueHyperliquid,
		Asset:     "USDC",
		Available: parseFloat(state.Withdrawable),
		Locked:    parseFloat(state.MarginSummary.TotalMarginUsed),
		Total:     parseFloat(state.MarginSummary.AccountValue),
	}}, nil
}

type fill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Side      string `json:"side"` // B or A
	Time      int64  `json:"time"` // ms
	ClosedPnl string `json:"closedPnl"`
	Fee       string `json:"fee"`
	Tid       int64  `json:"tid"`
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	var fills []fill
	if err := c.info(ctx, map[string]string{"type": "userFills", "user": wallet}, &fills); err != nil {
		return nil, fmt.Errorf("user fills: %w", err)
	}

	trades := make([]domain.Trade, 0, len(fills))
	for _, f := range fills {
		ts := time.UnixMilli(f.Time).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}

		side := domain.SideBuy
		if f.Side == "A" {
			side = domain.SideSell
		}

		pnl := parseFloat(f.ClosedPnl)
		trades = append(trades, domain.Trade{
			Venue:        venues.VenueHyperliquid,
			VenueTradeID: fmt.Sprintf("%d", f.Tid),
			MarketID:     f.Coin,
			Side:         side,
			Size:         parseFloat(f.Sz),
			Price:        parseFloat(f.Px),
			Fee:          parseFloat(f.Fee),
			RealizedPnl:  &pnl,
			Timestamp:    ts,
		})
		if q.Limit > 0 && len(trades) >= q.Limit {
			break
		}
	}
	return trades, nil
}

type fundingEvent struct {
	Time  int64 `json:"time"` // ms
	Delta struct {
		Type        string `json:"type"`
		Coin        string `json:"coin"`
		Usdc        string `json:"usdc"`
		Szi         string `json:"szi"`
		FundingRate string `json:"fundingRate"`
	} `json:"delta"`
}

// FetchFunding implements venues.Adapter. Positive amounts were received,
// negative were paid.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	start := time.Now().AddDate(0, 0, -30)
	if q.Since != nil {
		start = *q.Since
	}
	body := map[string]any{
		"type":      "userFunding",
		"user":      wallet,
		"startTime": start.UnixMilli(),
	}

	var events []fundingEvent
	if err := c.info(ctx, body, &events); err != nil {
		return nil, fmt.Errorf("user funding: %w", err)
	}

	payments := make([]domain.FundingPayment, 0, len(events))
	for _, ev := range events {
		if ev.Delta.Type != "funding" {
			continue
		}
		size := parseFloat(ev.Delta.Szi)
		if size < 0 {
			size = -size
		}
		payments = append(payments, domain.FundingPayment{
			Venue:        venues.VenueHyperliquid,
			Symbol:       ev.Delta.Coin,
			Rate:         parseFloat(ev.Delta.FundingRate),
			Amount:       parseFloat(ev.Delta.Usdc),
			PositionSize: size,
			Timestamp:    time.UnixMilli(ev.Time).UTC(),
		})
	}
	return payments, nil
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string        `json:"coin"`
	Levels [][]bookLevel `json:"levels"` // [bids, asks]
	Time   int64         `json:"time"`
}

// Quote implements venues.Adapter. Buys walk the ask side, sells the bid
// side; PriceImpact is the average fill price versus the top of book.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueHyperliquid, "side must be buy or sell")
	}
	if marketID == "" {
		return nil, venues.NewValidationError(venues.VenueHyperliquid, "market id is required")
	}

	var book l2Book
	if err := c.info(ctx, map[string]string{"type": "l2Book", "coin": marketID}, &book); err != nil {
		return nil, fmt.Errorf("l2 book: %w", err)
	}
	if len(book.Levels) < 2 {
		return nil, venues.NewVenueError(venues.VenueHyperliquid, 0, "empty order book")
	}

	levels := book.Levels[1] // asks
	if side == domain.SideSell {
		levels = book.Levels[0] // bids
	}
	if len(levels) == 0 {
		return nil, venues.NewVenueError(venues.VenueHyperliquid, 0, "empty order book side")
	}

	top := parseFloat(levels[0].Px)
	avg, filled := walkBook(levels, size)
	if filled <= 0 {
		avg = top
	}

	impact := 0.0
	if top > 0 && filled > 0 {
		impact = (avg - top) / top
		if impact < 0 {
			impact = -impact
		}
	}

	return &venues.Quote{
		Venue:       venues.VenueHyperliquid,
		MarketID:    marketID,
		Side:        side,
		Size:        size,
		Price:       avg,
		PriceImpact: impact,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// walkBook fills size against the levels and returns the volume-weighted
// price and the quantity actually filled.
func walkBook(levels []bookLevel, size float64) (float64, float64) {
	if size <= 0 {
		if len(levels) > 0 {
			return parseFloat(levels[0].Px), 0
		}
		return 0, 0
	}

	remaining := size
	cost := 0.0
	filled := 0.0
	for _, lvl := range levels {
		px := parseFloat(lvl.Px)
		sz := parseFloat(lvl.Sz)
		if sz <= 0 {
			continue
		}
		take := sz
		if take > remaining {
			take = remaining
		}
		cost += take * px
		filled += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if filled <= 0 {
		return 0, 0
	}
	return cost / filled, filled
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Package kalshi integrates the Kalshi trade API. All prices arrive in
// cents and are normalized to [0,1] probabilities.
package kalshi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

	// apiPrefix is part of the signed path
	apiPrefix = "/trade-api/v2"
)

// Client talks to Kalshi with RSA-PSS request signing.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Kalshi adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueKalshi).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueKalshi,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueKalshi }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsSearch: true,
		PriceUnit:      venues.PriceProbability,
	}
}

// signedGet performs an authenticated GET. The signature covers the path
// without query parameters.
func (c *Client) signedGet(ctx context.Context, creds domain.Credentials, path string, query map[string]string, result interface{}) error {
	key, err := parseRSAKey(creds.PrivateKey)
	if err != nil {
		return venues.NewAuthError(venues.VenueKalshi, err.Error())
	}

	headers, err := signRequest(key, creds.APIKey, http.MethodGet, apiPrefix+path)
	if err != nil {
		return venues.NewAuthError(venues.VenueKalshi, err.Error())
	}

	_, err = c.rest.Do(ctx, venues.Request{
		Method:  http.MethodGet,
		Path:    path,
		Query:   query,
		Headers: headers,
		Result:  result,
	})
	return err
}

type marketPosition struct {
	Ticker         string `json:"ticker"`
	Position       int64  `json:"position"` // signed contract count, positive = YES
	MarketExposure int64  `json:"market_exposure"`
	RealizedPnl    int64  `json:"realized_pnl"`
	FeesPaid       int64  `json:"fees_paid"`
}

// FetchPositions implements venues.Adapter. Current prices come from a
// follow-up batched market lookup.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	var resp struct {
		MarketPositions []marketPosition `json:"market_positions"`
	}
	if err := c.signedGet(ctx, creds, "/portfolio/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	open := make([]marketPosition, 0, len(resp.MarketPositions))
	tickers := make([]string, 0, len(resp.MarketPositions))
	for _, p := range resp.MarketPositions {
		if p.Position == 0 {
			continue
		}
		open = append(open, p)
		tickers = append(tickers, p.Ticker)
	}
	if len(open) == 0 {
		return nil, nil
	}

	prices, titles, err := c.lookupMarkets(ctx, tickers)
	if err != nil {
		c.log.Warn().Err(err).Msg("Market lookup failed, positions keep entry prices")
	}

	return c.transformPositions(open, prices, titles), nil
}

func (c *Client) transformPositions(raw []marketPosition, prices map[string]float64, titles map[string]string) []domain.Position {
	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		size := float64(p.Position)
		side := domain.SideLong
		outcome := "Yes"
		if size < 0 {
			size = -size
			side = domain.SideShort
			outcome = "No"
		}

		// Exposure is cents across the whole position
		avgEntry := 0.0
		if size > 0 {
			avgEntry = float64(p.MarketExposure) / size / 100
		}
		current := avgEntry
		if price, ok := prices[p.Ticker]; ok {
			current = price
		}

		positions = append(positions, domain.Position{
			Venue:          venues.VenueKalshi,
			MarketID:       p.Ticker,
			OutcomeID:      outcome,
			MarketQuestion: titles[p.Ticker],
			Side:           side,
			Size:           size,
			AvgEntryPrice:  avgEntry,
			CurrentPrice:   current,
			UpdatedAt:      now,
		})
	}
	return positions
}

type market struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	YesBid    int64  `json:"yes_bid"`
	YesAsk    int64  `json:"yes_ask"`
	LastPrice int64  `json:"last_price"`
	CloseTime string `json:"close_time"`
	Status    string `json:"status"`
}

// lookupMarkets batch-fetches market metadata for a set of tickers.
func (c *Client) lookupMarkets(ctx context.Context, tickers []string) (map[string]float64, map[string]string, error) {
	var resp struct {
		Markets []market `json:"markets"`
	}
	query := map[string]string{"tickers": strings.Join(tickers, ",")}
	if err := c.rest.Get(ctx, "/markets", query, &resp); err != nil {
		return nil, nil, err
	}

	prices := make(map[string]float64, len(resp.Markets))
	titles := make(map[string]string, len(resp.Markets))
	for _, m := range resp.Markets {
		prices[m.Ticker] = float64(m.LastPrice) / 100
		titles[m.Ticker] = m.Title
	}
	return prices, titles, nil
}

// FetchBalances implements venues.Adapter.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	var resp struct {
		Balance int64 `json:"balance"` // cents
	}
	if err := c.signedGet(ctx, creds, "/portfolio/balance", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	return []domain.Balance{{
		Venue:     venues.VenueKalshi,
		Asset:     "USD",
		Available: float64(resp.Balance) / 100,
		Total:     float64(resp.Balance) / 100,
	}}, nil
}

type fill struct {
	TradeID     string `json:"trade_id"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"`   // yes / no
	Action      string `json:"action"` // buy / sell
	Count       int64  `json:"count"`
	YesPrice    int64  `json:"yes_price"`
	NoPrice     int64  `json:"no_price"`
	CreatedTime string `json:"created_time"`
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	query := map[string]string{}
	if q.Since != nil {
		query["min_ts"] = fmt.Sprintf("%d", q.Since.Unix())
	}
	if q.Limit > 0 {
		query["limit"] = fmt.Sprintf("%d", q.Limit)
	}

	var resp struct {
		Fills []fill `json:"fills"`
	}
	if err := c.signedGet(ctx, creds, "/portfolio/fills", query, &resp); err != nil {
		return nil, fmt.Errorf("fetch fills: %w", err)
	}

	return c.transformFills(resp.Fills), nil
}

func (c *Client) transformFills(fills []fill) []domain.Trade {
	trades := make([]domain.Trade, 0, len(fills))
	for _, f := range fills {
		priceCents := f.YesPrice
		outcome := "Yes"
		if strings.EqualFold(f.Side, "no") {
			priceCents = f.NoPrice
			outcome = "No"
		}

		ts, err := time.Parse(time.RFC3339, f.CreatedTime)
		if err != nil {
			ts = time.Time{}
		}

		trades = append(trades, domain.Trade{
			Venue:        venues.VenueKalshi,
			VenueTradeID: f.TradeID,
			MarketID:     f.Ticker,
			Outcome:      outcome,
			Side:         strings.ToLower(f.Action),
			Size:         float64(f.Count),
			Price:        float64(priceCents) / 100,
			Timestamp:    ts.UTC(),
		})
	}
	return trades
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueKalshi, "funding history")
}

// Quote implements venues.Adapter. Buy quotes price the YES ask, sell
// quotes the YES bid.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueKalshi, "side must be buy or sell")
	}

	var resp struct {
		Market market `json:"market"`
	}
	if err := c.rest.Get(ctx, "/markets/"+marketID, nil, &resp); err != nil {
		return nil, err
	}

	price := float64(resp.Market.YesAsk) / 100
	if side == domain.SideSell {
		price = float64(resp.Market.YesBid) / 100
	}

	return &venues.Quote{
		Venue:     venues.VenueKalshi,
		MarketID:  marketID,
		Side:      side,
		Size:      size,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// SearchMarkets implements venues.MarketSearcher. The API has no text
// parameter, so open markets are filtered locally by title.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	needle := strings.ToLower(query)

	var resp struct {
		Markets []market `json:"markets"`
		Cursor  string   `json:"cursor"`
	}
	params := map[string]string{"status": "open", "limit": "200"}
	if err := c.rest.Get(ctx, "/markets", params, &resp); err != nil {
		return nil, fmt.Errorf("search markets: %w", err)
	}

	now := time.Now().UTC()
	var markets []domain.Market
	for _, m := range resp.Markets {
		if needle != "" && !strings.Contains(strings.ToLower(m.Title), needle) {
			continue
		}

		dm := domain.Market{
			Venue:      venues.VenueKalshi,
			MarketID:   m.Ticker,
			Question:   m.Title,
			Outcomes:   []string{"Yes", "No"},
			Resolved:   m.Status == "finalized" || m.Status == "settled",
			LastSeenAt: now,
		}
		if m.CloseTime != "" {
			if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
				dm.EndDate = &t
			}
		}
		markets = append(markets, dm)
		if len(markets) >= limit {
			break
		}
	}
	return markets, nil
}

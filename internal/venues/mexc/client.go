// Package mexc integrates the MEXC contract (futures) API. Fills encode
// direction as an integer: 1 open long, 2 close short, 3 open short,
// 4 close long. Signatures cover accessKey+timestamp+sortedQuery.
package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultBaseURL = "https://contract.mexc.com"

	// maxTickerLookups caps per-symbol price enrichment; open positions do
	// not carry a mark price.
	maxTickerLookups = 15
)

// Fill side codes.
const (
	sideOpenLong   = 1
	sideCloseShort = 2
	sideOpenShort  = 3
	sideCloseLong  = 4
)

// Position type codes.
const (
	positionLong  = 1
	positionShort = 2
)

// Client talks to the MEXC contract API.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
	now  func() time.Time
}

// New creates the MEXC adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueMEXC).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueMEXC,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
		now: time.Now,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueMEXC }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsFutures: true,
		SupportsFunding: true,
		PriceUnit:       venues.PriceQuote,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) checkCode(env *envelope) error {
	if env.Success || env.Code == 0 {
		return nil
	}
	switch env.Code {
	case 602, 603, 401:
		return venues.NewAuthError(venues.VenueMEXC, env.Message)
	case 510:
		return venues.NewRateLimited(venues.VenueMEXC, 0)
	default:
		return venues.NewVenueError(venues.VenueMEXC, env.Code, env.Message)
	}
}

// sortedQuery joins params in key order, which is also the order the
// signature requires.
func sortedQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

func (c *Client) signedGet(ctx context.Context, creds domain.Credentials, path string, params map[string]string, result any) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return venues.NewValidationError(venues.VenueMEXC, "api key and secret are required")
	}

	qs := sortedQuery(params)
	timestamp := fmt.Sprintf("%d", c.now().UnixMilli())

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(creds.APIKey + timestamp + qs))

	fullPath := path
	if qs != "" {
		fullPath += "?" + qs
	}

	var env envelope
	if _, err := c.rest.Do(ctx, venues.Request{
		Method: "GET",
		Path:   fullPath,
		Headers: map[string]string{
			"ApiKey":       creds.APIKey,
			"Request-Time": timestamp,
			"Signature":    hex.EncodeToString(mac.Sum(nil)),
		},
		Result: &env,
	}); err != nil {
		return err
	}
	if err := c.checkCode(&env); err != nil {
		return err
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return venues.NewVenueError(venues.VenueMEXC, 0, "invalid data payload")
		}
	}
	return nil
}

func (c *Client) publicGet(ctx context.Context, path string, result any) error {
	var env envelope
	if _, err := c.rest.Do(ctx, venues.Request{Method: "GET", Path: path, Result: &env}); err != nil {
		return err
	}
	if err := c.checkCode(&env); err != nil {
		return err
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return venues.NewVenueError(venues.VenueMEXC, 0, "invalid data payload")
		}
	}
	return nil
}

type openPosition struct {
	Symbol         string  `json:"symbol"`
	PositionType   int     `json:"positionType"` // 1 long, 2 short
	OpenType       int     `json:"openType"`     // 1 isolated, 2 cross
	HoldVol        float64 `json:"holdVol"`
	OpenAvgPrice   float64 `json:"openAvgPrice"`
	LiquidatePrice float64 `json:"liquidatePrice"`
	Leverage       float64 `json:"leverage"`
}

type ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"lastPrice"`
	FairPrice float64 `json:"fairPrice"`
}

// FetchPositions implements venues.Adapter. Mark prices come from the
// public ticker per symbol; on lookup failure the entry price is kept.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	var open []openPosition
	if err := c.signedGet(ctx, creds, "/api/v1/private/position/open_positions", nil, &open); err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}

	now := time.Now().UTC()
	lookups := 0
	marks := make(map[string]float64)
	positions := make([]domain.Position, 0, len(open))
	for _, op := range open {
		if op.HoldVol == 0 {
			continue
		}

		side := domain.SideLong
		if op.PositionType == positionShort {
			side = domain.SideShort
		}

		current, ok := marks[op.Symbol]
		if !ok && lookups < maxTickerLookups {
			lookups++
			var tk ticker
			if err := c.publicGet(ctx, "/api/v1/contract/ticker?symbol="+op.Symbol, &tk); err != nil {
				c.log.Warn().Err(err).Str("symbol", op.Symbol).Msg("Ticker lookup failed")
			} else {
				current = tk.FairPrice
				if current == 0 {
					current = tk.LastPrice
				}
			}
			marks[op.Symbol] = current
		}
		if current == 0 {
			current = op.OpenAvgPrice
		}

		pos := domain.Position{
			Venue:         venues.VenueMEXC,
			MarketID:      op.Symbol,
			Side:          side,
			Size:          op.HoldVol,
			AvgEntryPrice: op.OpenAvgPrice,
			CurrentPrice:  current,
			UpdatedAt:     now,
		}
		if op.Leverage > 0 {
			lev := op.Leverage
			pos.Leverage = &lev
		}
		mode := "cross"
		if op.OpenType == 1 {
			mode = "isolated"
		}
		pos.MarginMode = &mode
		if op.LiquidatePrice > 0 {
			liq := op.LiquidatePrice
			pos.LiquidationPrice = &liq
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type asset struct {
	Currency         string  `json:"currency"`
	AvailableBalance float64 `json:"availableBalance"`
	FrozenBalance    float64 `json:"frozenBalance"`
	PositionMargin   float64 `json:"positionMargin"`
	Equity           float64 `json:"equity"`
}

// FetchBalances implements venues.Adapter.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	var assets []asset
	if err := c.signedGet(ctx, creds, "/api/v1/private/account/assets", nil, &assets); err != nil {
		return nil, fmt.Errorf("account assets: %w", err)
	}

	balances := make([]domain.Balance, 0, len(assets))
	for _, a := range assets {
		if a.Equity == 0 && a.AvailableBalance == 0 {
			continue
		}
		balances = append(balances, domain.Balance{
			Venue:     venues.VenueMEXC,
			Asset:     a.Currency,
			Available: a.AvailableBalance,
			Locked:    a.FrozenBalance + a.PositionMargin,
			Total:     a.Equity,
		})
	}
	return balances, nil
}

type orderDeal struct {
	ID        int64   `json:"id"`
	Symbol    string  `json:"symbol"`
	Side      int     `json:"side"`
	Vol       float64 `json:"vol"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	Profit    float64 `json:"profit"`
	Timestamp int64   `json:"timestamp"` // ms
}

func dealSide(code int) (string, bool) {
	switch code {
	case sideOpenLong, sideCloseShort:
		return domain.SideBuy, true
	case sideOpenShort, sideCloseLong:
		return domain.SideSell, true
	default:
		return "", false
	}
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	params := map[string]string{"page_num": "1", "page_size": "100"}
	if q.Limit > 0 && q.Limit < 100 {
		params["page_size"] = fmt.Sprintf("%d", q.Limit)
	}
	if q.Since != nil {
		params["start_time"] = fmt.Sprintf("%d", q.Since.UnixMilli())
	}

	var deals []orderDeal
	if err := c.signedGet(ctx, creds, "/api/v1/private/order/list/order_deals", params, &deals); err != nil {
		return nil, fmt.Errorf("order deals: %w", err)
	}

	trades := make([]domain.Trade, 0, len(deals))
	for _, d := range deals {
		side, ok := dealSide(d.Side)
		if !ok {
			c.log.Debug().Int("side", d.Side).Msg("Unknown deal side code")
			continue
		}
		ts := time.UnixMilli(d.Timestamp).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}
		pnl := d.Profit
		trades = append(trades, domain.Trade{
			Venue:        venues.VenueMEXC,
			VenueTradeID: fmt.Sprintf("%d", d.ID),
			MarketID:     d.Symbol,
			Side:         side,
			Size:         d.Vol,
			Price:        d.Price,
			Fee:          d.Fee,
			RealizedPnl:  &pnl,
			Timestamp:    ts,
		})
	}
	return trades, nil
}

type fundingRecord struct {
	ID            int64   `json:"id"`
	Symbol        string  `json:"symbol"`
	Funding       float64 `json:"funding"`
	Rate          float64 `json:"rate"`
	SettleTime    int64   `json:"settleTime"` // ms
	PositionValue float64 `json:"positionValue"`
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	params := map[string]string{"page_num": "1", "page_size": "100"}
	if q.Limit > 0 && q.Limit < 100 {
		params["page_size"] = fmt.Sprintf("%d", q.Limit)
	}

	var result struct {
		ResultList []fundingRecord `json:"resultList"`
	}
	if err := c.signedGet(ctx, creds, "/api/v1/private/position/funding_records", params, &result); err != nil {
		return nil, fmt.Errorf("funding records: %w", err)
	}

	payments := make([]domain.FundingPayment, 0, len(result.ResultList))
	for _, rec := range result.ResultList {
		ts := time.UnixMilli(rec.SettleTime).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}
		payments = append(payments, domain.FundingPayment{
			Venue:     venues.VenueMEXC,
			Symbol:    rec.Symbol,
			Rate:      rec.Rate,
			Amount:    rec.Funding,
			Timestamp: ts,
		})
	}
	return payments, nil
}

// Quote implements venues.Adapter using the public depth endpoint. Depth
// levels arrive as [price, volume, orders] arrays of numbers.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueMEXC, "side must be buy or sell")
	}
	if marketID == "" {
		return nil, venues.NewValidationError(venues.VenueMEXC, "market id is required")
	}

	var depth struct {
		Asks [][]float64 `json:"asks"`
		Bids [][]float64 `json:"bids"`
	}
	if err := c.publicGet(ctx, "/api/v1/contract/depth/"+marketID, &depth); err != nil {
		return nil, fmt.Errorf("depth: %w", err)
	}

	levels := depth.Asks
	if side == domain.SideSell {
		levels = depth.Bids
	}
	if len(levels) == 0 || len(levels[0]) == 0 || levels[0][0] <= 0 {
		return nil, venues.NewVenueError(venues.VenueMEXC, 0, "empty order book side")
	}

	return &venues.Quote{
		Venue:     venues.VenueMEXC,
		MarketID:  marketID,
		Side:      side,
		Size:      size,
		Price:     levels[0][0],
		FetchedAt: time.Now().UTC(),
	}, nil
}

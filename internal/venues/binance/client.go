// Package binance integrates the Binance USDT-margined futures API.
// Signed endpoints carry an HMAC-SHA256 signature over the exact query
// string sent, so queries are assembled in order rather than via a map.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	recvWindowMS   = 5000

	// maxTradeSymbols caps per-symbol fill queries; the futures API has no
	// cross-symbol trade history endpoint.
	maxTradeSymbols = 10
)

// Client talks to the Binance futures API.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
	now  func() time.Time
}

// New creates the Binance futures adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueBinance).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueBinance,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
		now: time.Now,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueBinance }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsFutures: true,
		SupportsFunding: true,
		PriceUnit:       venues.PriceQuote,
	}
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedPath builds path?query&signature=... with timestamp and recvWindow
// appended. Params stay in the given order; the signature covers the exact
// string sent.
func (c *Client) signedPath(creds domain.Credentials, path string, params [][2]string) string {
	var sb strings.Builder
	for _, p := range params {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p[0])
		sb.WriteByte('=')
		sb.WriteString(p[1])
	}
	if sb.Len() > 0 {
		sb.WriteByte('&')
	}
	fmt.Fprintf(&sb, "recvWindow=%d&timestamp=%d", recvWindowMS, c.now().UnixMilli())

	qs := sb.String()
	return path + "?" + qs + "&signature=" + sign(creds.APISecret, qs)
}

func (c *Client) signedGet(ctx context.Context, creds domain.Credentials, path string, params [][2]string, result any) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return venues.NewValidationError(venues.VenueBinance, "api key and secret are required")
	}
	_, err := c.rest.Do(ctx, venues.Request{
		Method:  "GET",
		Path:    c.signedPath(creds, path, params),
		Headers: map[string]string{"X-MBX-APIKEY": creds.APIKey},
		Result:  result,
	})
	return err
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"` // signed
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	Notional         string `json:"notional"`
}

func (c *Client) fetchPositionRisk(ctx context.Context, creds domain.Credentials) ([]positionRisk, error) {
	var risks []positionRisk
	if err := c.signedGet(ctx, creds, "/fapi/v2/positionRisk", nil, &risks); err != nil {
		return nil, fmt.Errorf("position risk: %w", err)
	}
	return risks, nil
}

// FetchPositions implements venues.Adapter.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	risks, err := c.fetchPositionRisk(ctx, creds)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}

		side := domain.SideLong
		size := amt
		if amt < 0 {
			side = domain.SideShort
			size = -amt
		}

		pos := domain.Position{
			Venue:         venues.VenueBinance,
			MarketID:      r.Symbol,
			Side:          side,
			Size:          size,
			AvgEntryPrice: parseFloat(r.EntryPrice),
			CurrentPrice:  parseFloat(r.MarkPrice),
			UpdatedAt:     now,
		}
		if lev := parseFloat(r.Leverage); lev > 0 {
			pos.Leverage = &lev
		}
		if r.MarginType != "" {
			mode := strings.ToLower(r.MarginType)
			pos.MarginMode = &mode
		}
		if liq := parseFloat(r.LiquidationPrice); liq > 0 {
			pos.LiquidationPrice = &liq
		}
		if notional := parseFloat(r.Notional); notional != 0 {
			if notional < 0 {
				notional = -notional
			}
			pos.Notional = &notional
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type futuresBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// FetchBalances implements venues.Adapter. Zero rows are dropped; the
// futures wallet reports every listed asset.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	var raw []futuresBalance
	if err := c.signedGet(ctx, creds, "/fapi/v2/balance", nil, &raw); err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	balances := make([]domain.Balance, 0, len(raw))
	for _, b := range raw {
		total := parseFloat(b.Balance)
		available := parseFloat(b.AvailableBalance)
		if total == 0 && available == 0 {
			continue
		}
		locked := total - available
		if locked < 0 {
			locked = 0
		}
		balances = append(balances, domain.Balance{
			Venue:     venues.VenueBinance,
			Asset:     b.Asset,
			Available: available,
			Locked:    locked,
			Total:     total,
		})
	}
	return balances, nil
}

type userTrade struct {
	Symbol      string `json:"symbol"`
	ID          int64  `json:"id"`
	Side        string `json:"side"` // BUY or SELL
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	RealizedPnl string `json:"realizedPnl"`
	Commission  string `json:"commission"`
	Time        int64  `json:"time"` // ms
}

// FetchTrades implements venues.Adapter. Fills are queried per symbol for
// currently open positions, newest first across symbols.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	risks, err := c.fetchPositionRisk(ctx, creds)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(risks))
	seen := make(map[string]bool)
	for _, r := range risks {
		if parseFloat(r.PositionAmt) == 0 || seen[r.Symbol] {
			continue
		}
		seen[r.Symbol] = true
		symbols = append(symbols, r.Symbol)
	}
	if len(symbols) > maxTradeSymbols {
		c.log.Debug().Int("symbols", len(symbols)).Msg("Truncating trade symbol list")
		symbols = symbols[:maxTradeSymbols]
	}

	var trades []domain.Trade
	for _, symbol := range symbols {
		params := [][2]string{{"symbol", symbol}}
		if q.Since != nil {
			params = append(params, [2]string{"startTime", fmt.Sprintf("%d", q.Since.UnixMilli())})
		}
		if q.Limit > 0 {
			params = append(params, [2]string{"limit", fmt.Sprintf("%d", q.Limit)})
		}

		var fills []userTrade
		if err := c.signedGet(ctx, creds, "/fapi/v1/userTrades", params, &fills); err != nil {
			return nil, fmt.Errorf("user trades %s: %w", symbol, err)
		}

		for _, f := range fills {
			pnl := parseFloat(f.RealizedPnl)
			trades = append(trades, domain.Trade{
				Venue:        venues.VenueBinance,
				VenueTradeID: fmt.Sprintf("%d", f.ID),
				MarketID:     f.Symbol,
				Side:         strings.ToLower(f.Side),
				Size:         parseFloat(f.Qty),
				Price:        parseFloat(f.Price),
				Fee:          parseFloat(f.Commission),
				RealizedPnl:  &pnl,
				Timestamp:    time.UnixMilli(f.Time).UTC(),
			})
		}
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.After(trades[j].Timestamp) })
	if q.Limit > 0 && len(trades) > q.Limit {
		trades = trades[:q.Limit]
	}
	return trades, nil
}

type incomeRecord struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Time       int64  `json:"time"` // ms
}

// FetchFunding implements venues.Adapter. The income endpoint reports the
// transfer amount only; the rate is not part of the record.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	params := [][2]string{{"incomeType", "FUNDING_FEE"}}
	if q.Since != nil {
		params = append(params, [2]string{"startTime", fmt.Sprintf("%d", q.Since.UnixMilli())})
	}
	if q.Limit > 0 {
		params = append(params, [2]string{"limit", fmt.Sprintf("%d", q.Limit)})
	}

	var records []incomeRecord
	if err := c.signedGet(ctx, creds, "/fapi/v1/income", params, &records); err != nil {
		return nil, fmt.Errorf("income: %w", err)
	}

	payments := make([]domain.FundingPayment, 0, len(records))
	for _, rec := range records {
		if rec.IncomeType != "FUNDING_FEE" {
			continue
		}
		payments = append(payments, domain.FundingPayment{
			Venue:     venues.VenueBinance,
			Symbol:    rec.Symbol,
			Amount:    parseFloat(rec.Income),
			Timestamp: time.UnixMilli(rec.Time).UTC(),
		})
	}
	return payments, nil
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// Quote implements venues.Adapter using the public top-of-book ticker.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueBinance, "side must be buy or sell")
	}
	if marketID == "" {
		return nil, venues.NewValidationError(venues.VenueBinance, "market id is required")
	}

	var ticker bookTicker
	if err := c.rest.Get(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": marketID}, &ticker); err != nil {
		return nil, fmt.Errorf("book ticker: %w", err)
	}

	price := parseFloat(ticker.AskPrice)
	if side == domain.SideSell {
		price = parseFloat(ticker.BidPrice)
	}
	if price <= 0 {
		return nil, venues.NewVenueError(venues.VenueBinance, 0, "empty order book side")
	}

	return &venues.Quote{
		Venue:     venues.VenueBinance,
		MarketID:  marketID,
		Side:      side,
		Size:      size,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}, nil
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

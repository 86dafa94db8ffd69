// Package bybit integrates the Bybit v5 API for linear (USDT-settled)
// perpetuals. Every response arrives in a retCode envelope; signatures are
// HMAC-SHA256 over timestamp+key+recvWindow+query carried in X-BAPI headers.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	recvWindowMS   = "5000"
	categoryLinear = "linear"
)

// Client talks to the Bybit v5 API.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
	now  func() time.Time
}

// New creates the Bybit adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueBybit).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueBybit,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
		now: time.Now,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueBybit }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsFutures: true,
		SupportsFunding: true,
		PriceUnit:       venues.PriceQuote,
	}
}

// envelope is the uniform v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) checkRet(env *envelope) error {
	switch env.RetCode {
	case 0:
		return nil
	case 10003, 10004, 33004:
		// Invalid key, signature mismatch, expired key.
		return venues.NewAuthError(venues.VenueBybit, env.RetMsg)
	case 10006, 10018:
		return venues.NewRateLimited(venues.VenueBybit, 0)
	default:
		return venues.NewVenueError(venues.VenueBybit, env.RetCode, env.RetMsg)
	}
}

func buildQuery(params [][2]string) string {
	var sb strings.Builder
	for _, p := range params {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p[0])
		sb.WriteByte('=')
		sb.WriteString(p[1])
	}
	return sb.String()
}

// signedGet performs a v5 GET with auth headers and decodes the result
// payload out of the envelope.
func (c *Client) signedGet(ctx context.Context, creds domain.Credentials, path string, params [][2]string, result any) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return venues.NewValidationError(venues.VenueBybit, "api key and secret are required")
	}

	qs := buildQuery(params)
	timestamp := fmt.Sprintf("%d", c.now().UnixMilli())

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(timestamp + creds.APIKey + recvWindowMS + qs))

	fullPath := path
	if qs != "" {
		fullPath += "?" + qs
	}

	var env envelope
	if _, err := c.rest.Do(ctx, venues.Request{
		Method: "GET",
		Path:   fullPath,
		Headers: map[string]string{
			"X-BAPI-API-KEY":     creds.APIKey,
			"X-BAPI-TIMESTAMP":   timestamp,
			"X-BAPI-RECV-WINDOW": recvWindowMS,
			"X-BAPI-SIGN":        hex.EncodeToString(mac.Sum(nil)),
		},
		Result: &env,
	}); err != nil {
		return err
	}
	if err := c.checkRet(&env); err != nil {
		return err
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return venues.NewVenueError(venues.VenueBybit, 0, "invalid result payload")
		}
	}
	return nil
}

func (c *Client) publicGet(ctx context.Context, path string, params [][2]string, result any) error {
	qs := buildQuery(params)
	if qs != "" {
		path += "?" + qs
	}

	var env envelope
	if _, err := c.rest.Do(ctx, venues.Request{Method: "GET", Path: path, Result: &env}); err != nil {
		return err
	}
	if err := c.checkRet(&env); err != nil {
		return err
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return venues.NewVenueError(venues.VenueBybit, 0, "invalid result payload")
		}
	}
	return nil
}

type positionEntry struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy or Sell
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	LiqPrice      string `json:"liqPrice"`
	Leverage      string `json:"leverage"`
	PositionValue string `json:"positionValue"`
	TradeMode     int    `json:"tradeMode"` // 0 cross, 1 isolated
}

// FetchPositions implements venues.Adapter.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	var result struct {
		List []positionEntry `json:"list"`
	}
	params := [][2]string{{"category", categoryLinear}, {"settleCoin", "USDT"}}
	if err := c.signedGet(ctx, creds, "/v5/position/list", params, &result); err != nil {
		return nil, fmt.Errorf("position list: %w", err)
	}

	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(result.List))
	for _, e := range result.List {
		size := parseFloat(e.Size)
		if size == 0 {
			continue
		}

		side := domain.SideLong
		if e.Side == "Sell" {
			side = domain.SideShort
		}

		pos := domain.Position{
			Venue:         venues.VenueBybit,
			MarketID:      e.Symbol,
			Side:          side,
			Size:          size,
			AvgEntryPrice: parseFloat(e.AvgPrice),
			CurrentPrice:  parseFloat(e.MarkPrice),
			UpdatedAt:     now,
		}
		if lev := parseFloat(e.Leverage); lev > 0 {
			pos.Leverage = &lev
		}
		mode := "cross"
		if e.TradeMode == 1 {
			mode = "isolated"
		}
		pos.MarginMode = &mode
		if liq := parseFloat(e.LiqPrice); liq > 0 {
			pos.LiquidationPrice = &liq
		}
		if notional := parseFloat(e.PositionValue); notional > 0 {
			pos.Notional = &notional
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// FetchBalances implements venues.Adapter using the unified account wallet.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := [][2]string{{"accountType", "UNIFIED"}}
	if err := c.signedGet(ctx, creds, "/v5/account/wallet-balance", params, &result); err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}

	var balances []domain.Balance
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			total := parseFloat(coin.WalletBalance)
			if total == 0 {
				continue
			}
			available := parseFloat(coin.AvailableToWithdraw)
			locked := total - available
			if locked < 0 {
				locked = 0
			}
			balances = append(balances, domain.Balance{
				Venue:     venues.VenueBybit,
				Asset:     coin.Coin,
				Available: available,
				Locked:    locked,
				Total:     total,
			})
		}
	}
	return balances, nil
}

type execution struct {
	Symbol   string `json:"symbol"`
	ExecID   string `json:"execId"`
	Side     string `json:"side"` // Buy or Sell
	ExecType string `json:"execType"`
	ExecPx   string `json:"execPrice"`
	ExecQty  string `json:"execQty"`
	ExecFee  string `json:"execFee"`
	ExecTime string `json:"execTime"` // ms as string
}

// FetchTrades implements venues.Adapter. Only plain trade executions are
// kept; funding and settlement rows appear elsewhere.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	params := [][2]string{{"category", categoryLinear}}
	if q.Since != nil {
		params = append(params, [2]string{"startTime", fmt.Sprintf("%d", q.Since.UnixMilli())})
	}
	if q.Limit > 0 {
		params = append(params, [2]string{"limit", fmt.Sprintf("%d", q.Limit)})
	}

	var result struct {
		List []execution `json:"list"`
	}
	if err := c.signedGet(ctx, creds, "/v5/execution/list", params, &result); err != nil {
		return nil, fmt.Errorf("execution list: %w", err)
	}

	trades := make([]domain.Trade, 0, len(result.List))
	for _, e := range result.List {
		if e.ExecType != "" && e.ExecType != "Trade" {
			continue
		}
		trades = append(trades, domain.Trade{
			Venue:        venues.VenueBybit,
			VenueTradeID: e.ExecID,
			MarketID:     e.Symbol,
			Side:         strings.ToLower(e.Side),
			Size:         parseFloat(e.ExecQty),
			Price:        parseFloat(e.ExecPx),
			Fee:          parseFloat(e.ExecFee),
			Timestamp:    time.UnixMilli(int64(parseFloat(e.ExecTime))).UTC(),
		})
	}
	return trades, nil
}

type transactionEntry struct {
	Symbol          string `json:"symbol"`
	Type            string `json:"type"`
	CashFlow        string `json:"cashFlow"`
	FeeRate         string `json:"feeRate"`
	Size            string `json:"size"`
	TransactionTime string `json:"transactionTime"` // ms as string
}

// FetchFunding implements venues.Adapter via the transaction log.
// SETTLEMENT rows are funding settlements on linear contracts; cashFlow is
// the wallet change, positive when funding was received.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	params := [][2]string{{"accountType", "UNIFIED"}, {"category", categoryLinear}, {"type", "SETTLEMENT"}}
	if q.Since != nil {
		params = append(params, [2]string{"startTime", fmt.Sprintf("%d", q.Since.UnixMilli())})
	}
	if q.Limit > 0 {
		params = append(params, [2]string{"limit", fmt.Sprintf("%d", q.Limit)})
	}

	var result struct {
		List []transactionEntry `json:"list"`
	}
	if err := c.signedGet(ctx, creds, "/v5/account/transaction-log", params, &result); err != nil {
		return nil, fmt.Errorf("transaction log: %w", err)
	}

	payments := make([]domain.FundingPayment, 0, len(result.List))
	for _, e := range result.List {
		if e.Type != "SETTLEMENT" {
			continue
		}
		size := parseFloat(e.Size)
		if size < 0 {
			size = -size
		}
		payments = append(payments, domain.FundingPayment{
			Venue:        venues.VenueBybit,
			Symbol:       e.Symbol,
			Rate:         parseFloat(e.FeeRate),
			Amount:       parseFloat(e.CashFlow),
			PositionSize: size,
			Timestamp:    time.UnixMilli(int64(parseFloat(e.TransactionTime))).UTC(),
		})
	}
	return payments, nil
}

// Quote implements venues.Adapter using the public order book top.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueBybit, "side must be buy or sell")
	}
	if marketID == "" {
		return nil, venues.NewValidationError(venues.VenueBybit, "market id is required")
	}

	var result struct {
		Asks [][]string `json:"a"`
		Bids [][]string `json:"b"`
	}
	params := [][2]string{{"category", categoryLinear}, {"symbol", marketID}, {"limit", "1"}}
	if err := c.publicGet(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return nil, fmt.Errorf("orderbook: %w", err)
	}

	levels := result.Asks
	if side == domain.SideSell {
		levels = result.Bids
	}
	if len(levels) == 0 || len(levels[0]) == 0 {
		return nil, venues.NewVenueError(venues.VenueBybit, 0, "empty order book side")
	}

	price := parseFloat(levels[0][0])
	if price <= 0 {
		return nil, venues.NewVenueError(venues.VenueBybit, 0, "empty order book side")
	}

	return &venues.Quote{
		Venue:     venues.VenueBybit,
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

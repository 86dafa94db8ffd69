// Package polymarket integrates the Polymarket CLOB, data API and gamma
// market catalog.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultClobURL  = "https://clob.polymarket.com"
	defaultDataURL  = "https://data-api.polymarket.com"
	defaultGammaURL = "https://gamma-api.polymarket.com"
	defaultWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	searchPageSize = 100
	maxSearchPages = 5
)

// Options configures the Polymarket adapter. Zero values fall back to the
// production endpoints.
type Options struct {
	ClobURL  string
	DataURL  string
	GammaURL string
	WSURL    string
	Timeout  time.Duration
}

// Client talks to Polymarket. Positions and balances come from the public
// data API keyed by wallet address; personal fills come from the CLOB with
// L2 auth, falling back to the public trade feed when no key material is
// present.
type Client struct {
	clob  *venues.RESTClient
	data  *venues.RESTClient
	gamma *venues.RESTClient
	wsURL string
	log   zerolog.Logger
}

// New creates the Polymarket adapter.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.ClobURL == "" {
		opts.ClobURL = defaultClobURL
	}
	if opts.DataURL == "" {
		opts.DataURL = defaultDataURL
	}
	if opts.GammaURL == "" {
		opts.GammaURL = defaultGammaURL
	}
	if opts.WSURL == "" {
		opts.WSURL = defaultWSURL
	}

	log = log.With().Str("venue", venues.VenuePolymarket).Logger()
	return &Client{
		clob:  venues.NewRESTClient(venues.RESTConfig{Venue: venues.VenuePolymarket, BaseURL: opts.ClobURL, Timeout: opts.Timeout, Log: log}),
		data:  venues.NewRESTClient(venues.RESTConfig{Venue: venues.VenuePolymarket, BaseURL: opts.DataURL, Timeout: opts.Timeout, Log: log}),
		gamma: venues.NewRESTClient(venues.RESTConfig{Venue: venues.VenuePolymarket, BaseURL: opts.GammaURL, Timeout: opts.Timeout, Log: log}),
		wsURL: opts.WSURL,
		log:   log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenuePolymarket }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsStream: true,
		SupportsSearch: true,
		PriceUnit:      venues.PriceProbability,
	}
}

// dataPosition is the data API position shape.
type dataPosition struct {
	Asset       string  `json:"asset"`
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	CurPrice    float64 `json:"curPrice"`
	Title       string  `json:"title"`
	Outcome     string  `json:"outcome"`
	EndDate     string  `json:"endDate"`
	Redeemable  bool    `json:"redeemable"`
}

// FetchPositions implements venues.Adapter.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	address, err := c.resolveAddress(creds)
	if err != nil {
		return nil, err
	}

	var raw []dataPosition
	query := map[string]string{"user": address, "limit": "500"}
	if err := c.data.Get(ctx, "/positions", query, &raw); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	return c.transformPositions(raw), nil
}

func (c *Client) transformPositions(raw []dataPosition) []domain.Position {
	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		if p.Size == 0 {
			continue
		}
		pos := domain.Position{
			Venue:          venues.VenuePolymarket,
			MarketID:       p.ConditionID,
			OutcomeID:      p.Outcome,
			MarketQuestion: p.Title,
			Side:           domain.SideLong, // CLOB holdings are always long an outcome token
			Size:           p.Size,
			AvgEntryPrice:  p.AvgPrice,
			CurrentPrice:   p.CurPrice,
			UpdatedAt:      now,
		}
		positions = append(positions, pos)
	}
	return positions
}

// FetchBalances implements venues.Adapter. The data API reports portfolio
// value in USDC terms.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	address, err := c.resolveAddress(creds)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		User  string  `json:"user"`
		Value float64 `json:"value"`
	}
	if err := c.data.Get(ctx, "/value", map[string]string{"user": address}, &raw); err != nil {
		return nil, fmt.Errorf("fetch value: %w", err)
	}

	if len(raw) == 0 {
		return nil, nil
	}
	return []domain.Balance{{
		Venue: venues.VenuePolymarket,
		Asset: "USDC",
		Total: raw[0].Value,
	}}, nil
}

// FetchTrades implements venues.Adapter. With key material present it uses
// the authenticated CLOB fill feed; otherwise the public data API.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	if creds.PrivateKey != "" || creds.APIKey != "" {
		trades, err := c.fetchClobTrades(ctx, creds, q)
		if err == nil {
			return trades, nil
		}
		if !venues.IsAuth(err) {
			return nil, err
		}
		c.log.Warn().Err(err).Msg("CLOB trade fetch rejected, falling back to public feed")
	}
	return c.fetchPublicTrades(ctx, creds, q)
}

// clobTrade is the authenticated CLOB fill shape. Numbers arrive as strings.
type clobTrade struct {
	ID         string `json:"id"`
	Market     string `json:"market"` // condition id
	AssetID    string `json:"asset_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	FeeRateBps string `json:"fee_rate_bps"`
	Outcome    string `json:"outcome"`
	MatchTime  string `json:"match_time"` // unix seconds as string
}

func (c *Client) fetchClobTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	apiKey, secret, passphrase := creds.APIKey, creds.APISecret, creds.Passphrase
	address := creds.WalletAddress

	if apiKey == "" {
		derived, addr, err := c.deriveAPIKey(ctx, creds.PrivateKey)
		if err != nil {
			return nil, err
		}
		apiKey, secret, passphrase = derived.APIKey, derived.Secret, derived.Passphrase
		address = addr
	}

	const path = "/data/trades"
	headers, err := l2Headers(address, apiKey, secret, passphrase, http.MethodGet, path, "")
	if err != nil {
		return nil, venues.NewAuthError(venues.VenuePolymarket, err.Error())
	}

	var raw []clobTrade
	if _, err := c.clob.Do(ctx, venues.Request{
		Method:  http.MethodGet,
		Path:    path,
		Headers: headers,
		Result:  &raw,
	}); err != nil {
		return nil, err
	}

	return c.transformClobTrades(raw, q), nil
}

func (c *Client) transformClobTrades(raw []clobTrade, q venues.TradeQuery) []domain.Trade {
	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		ts := parseUnixString(t.MatchTime)
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}
		size := parseDecimal(t.Size)
		price := parseDecimal(t.Price)
		feeBps := parseDecimal(t.FeeRateBps)

		trades = append(trades, domain.Trade{
			Venue:        venues.VenuePolymarket,
			VenueTradeID: t.ID,
			MarketID:     t.Market,
			Outcome:      t.Outcome,
			Side:         strings.ToLower(t.Side),
			Size:         size,
			Price:        price,
			Fee:          size * price * feeBps / 10000,
			Timestamp:    ts,
		})
	}
	return trades
}

// publicTrade is the data API trade shape.
type publicTrade struct {
	TransactionHash string  `json:"transactionHash"`
	ConditionID     string  `json:"conditionId"`
	Side            string  `json:"side"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Outcome         string  `json:"outcome"`
}

func (c *Client) fetchPublicTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	address, err := c.resolveAddress(creds)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	var raw []publicTrade
	query := map[string]string{"user": address, "limit": fmt.Sprintf("%d", limit)}
	if err := c.data.Get(ctx, "/trades", query, &raw); err != nil {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		ts := time.Unix(t.Timestamp, 0).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}
		trades = append(trades, domain.Trade{
			Venue:        venues.VenuePolymarket,
			VenueTradeID: t.TransactionHash,
			MarketID:     t.ConditionID,
			Outcome:      t.Outcome,
			Side:         strings.ToLower(t.Side),
			Size:         t.Size,
			Price:        t.Price,
			Timestamp:    ts,
		})
	}
	return trades, nil
}

// FetchFunding implements venues.Adapter. Prediction markets have no funding.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenuePolymarket, "funding history")
}

// Quote implements venues.Adapter. marketID is the CLOB token id of the
// outcome being priced.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	if marketID == "" {
		return nil, venues.NewValidationError(venues.VenuePolymarket, "token id is required")
	}
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenuePolymarket, "side must be buy or sell")
	}

	var raw struct {
		Price string `json:"price"`
	}
	query := map[string]string{"token_id": marketID, "side": strings.ToUpper(side)}
	if err := c.clob.Get(ctx, "/price", query, &raw); err != nil {
		return nil, err
	}

	return &venues.Quote{
		Venue:     venues.VenuePolymarket,
		MarketID:  marketID,
		Side:      side,
		Size:      size,
		Price:     parseDecimal(raw.Price),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// gammaMarket is the gamma catalog shape. Outcome lists arrive as
// JSON-encoded strings inside the JSON.
type gammaMarket struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	ConditionID  string `json:"conditionId"`
	Slug         string `json:"slug"`
	Outcomes     string `json:"outcomes"`
	ClobTokenIDs string `json:"clobTokenIds"`
	EndDate      string `json:"endDate"`
	Closed       bool   `json:"closed"`
}

// SearchMarkets implements venues.MarketSearcher. The gamma API has no text
// search parameter, so pages are filtered locally.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = searchPageSize
	}
	needle := strings.ToLower(query)

	var markets []domain.Market
	for page := 0; page < maxSearchPages && len(markets) < limit; page++ {
		var raw []gammaMarket
		params := map[string]string{
			"active": "true",
			"closed": "false",
			"limit":  fmt.Sprintf("%d", searchPageSize),
			"offset": fmt.Sprintf("%d", page*searchPageSize),
		}
		if err := c.gamma.Get(ctx, "/markets", params, &raw); err != nil {
			return nil, fmt.Errorf("search markets: %w", err)
		}
		if len(raw) == 0 {
			break
		}

		for _, m := range raw {
			if needle != "" && !strings.Contains(strings.ToLower(m.Question), needle) {
				continue
			}
			markets = append(markets, c.transformMarket(m))
			if len(markets) >= limit {
				break
			}
		}
	}
	return markets, nil
}

func (c *Client) transformMarket(m gammaMarket) domain.Market {
	market := domain.Market{
		Venue:      venues.VenuePolymarket,
		MarketID:   m.ConditionID,
		Question:   m.Question,
		Resolved:   m.Closed,
		LastSeenAt: time.Now().UTC(),
	}

	// Outcomes come as a JSON array encoded in a string
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err == nil {
		market.Outcomes = outcomes
	}

	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			market.EndDate = &t
		}
	}

	if raw, err := json.Marshal(m); err == nil {
		market.CachedRaw = string(raw)
	}
	return market
}

// TokenIDs extracts the CLOB token ids from a market previously returned
// by SearchMarkets. Index entries use these to subscribe and quote.
func TokenIDs(m domain.Market) []string {
	var g gammaMarket
	if err := json.Unmarshal([]byte(m.CachedRaw), &g); err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(g.ClobTokenIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// deriveResponse is the CLOB key-derivation payload.
type deriveResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// deriveAPIKey exchanges an L1 signature for the L2 key triplet.
func (c *Client) deriveAPIKey(ctx context.Context, privateKeyHex string) (*deriveResponse, string, error) {
	s, err := newSigner(privateKeyHex)
	if err != nil {
		return nil, "", venues.NewAuthError(venues.VenuePolymarket, err.Error())
	}

	headers, err := s.l1Headers(0)
	if err != nil {
		return nil, "", venues.NewAuthError(venues.VenuePolymarket, err.Error())
	}

	var resp deriveResponse
	if _, err := c.clob.Do(ctx, venues.Request{
		Method:  http.MethodGet,
		Path:    "/auth/derive-api-key",
		Headers: headers,
		Result:  &resp,
	}); err != nil {
		return nil, "", err
	}
	return &resp, s.address.Hex(), nil
}

// resolveAddress picks the wallet to query: an explicit address wins,
// otherwise it is derived from the private key.
func (c *Client) resolveAddress(creds domain.Credentials) (string, error) {
	if creds.WalletAddress != "" {
		return creds.WalletAddress, nil
	}
	if creds.PrivateKey != "" {
		s, err := newSigner(creds.PrivateKey)
		if err != nil {
			return "", venues.NewAuthError(venues.VenuePolymarket, err.Error())
		}
		return s.address.Hex(), nil
	}
	return "", venues.NewValidationError(venues.VenuePolymarket, "wallet address or private key is required")
}

// parseDecimal parses venue decimal strings, returning 0 on garbage.
func parseDecimal(s string) float64 {
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

// parseUnixString parses unix-seconds strings the CLOB uses for timestamps.
func parseUnixString(s string) time.Time {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(d.IntPart(), 0).UTC()
}

// Package manifold integrates the Manifold Markets API. Manifold is a
// play-money venue; balances and values are in mana (M$).
package manifold

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultBaseURL = "https://api.manifold.markets"

	// maxEnrichedContracts caps per-market probability lookups when
	// rebuilding positions from the bet history.
	maxEnrichedContracts = 25
)

// Client talks to Manifold with API-key auth.
type Client struct {
	rest *venues.RESTClient
	log  zerolog.Logger
}

// New creates the Manifold adapter.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueManifold).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueManifold,
			BaseURL: baseURL,
			Timeout: timeout,
			Log:     log,
		}),
		log: log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueManifold }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{
		SupportsSearch: true,
		PriceUnit:      venues.PriceProbability,
	}
}

func authHeaders(creds domain.Credentials) map[string]string {
	return map[string]string{"Authorization": "Key " + creds.APIKey}
}

type me struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Balance  float64 `json:"balance"`
}

func (c *Client) fetchMe(ctx context.Context, creds domain.Credentials) (*me, error) {
	if creds.APIKey == "" {
		return nil, venues.NewValidationError(venues.VenueManifold, "api key is required")
	}
	var user me
	if _, err := c.rest.Do(ctx, venues.Request{
		Method:  "GET",
		Path:    "/v0/me",
		Headers: authHeaders(creds),
		Result:  &user,
	}); err != nil {
		return nil, err
	}
	return &user, nil
}

type bet struct {
	ID           string  `json:"id"`
	ContractID   string  `json:"contractId"`
	Amount       float64 `json:"amount"` // mana spent, negative for sales
	Shares       float64 `json:"shares"` // negative for sales
	Outcome      string  `json:"outcome"`
	CreatedTime  int64   `json:"createdTime"` // ms
	IsRedemption bool    `json:"isRedemption"`
}

func (c *Client) fetchBets(ctx context.Context, creds domain.Credentials, userID string, limit int) ([]bet, error) {
	if limit <= 0 {
		limit = 1000
	}
	var bets []bet
	if _, err := c.rest.Do(ctx, venues.Request{
		Method:  "GET",
		Path:    "/v0/bets",
		Query:   map[string]string{"userId": userID, "limit": fmt.Sprintf("%d", limit)},
		Headers: authHeaders(creds),
		Result:  &bets,
	}); err != nil {
		return nil, err
	}
	return bets, nil
}

type contract struct {
	ID          string  `json:"id"`
	Question    string  `json:"question"`
	Probability float64 `json:"probability"`
	CloseTime   int64   `json:"closeTime"` // ms
	IsResolved  bool    `json:"isResolved"`
	OutcomeType string  `json:"outcomeType"`
}

// FetchPositions implements venues.Adapter. Manifold exposes no positions
// endpoint, so open holdings are rebuilt from the bet history.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	user, err := c.fetchMe(ctx, creds)
	if err != nil {
		return nil, err
	}

	bets, err := c.fetchBets(ctx, creds, user.ID, 1000)
	if err != nil {
		return nil, fmt.Errorf("fetch bets: %w", err)
	}

	type key struct{ contract, outcome string }
	type acc struct {
		shares float64
		cost   float64
	}
	holdings := make(map[key]*acc)
	for _, b := range bets {
		if b.IsRedemption {
			continue
		}
		k := key{b.ContractID, b.Outcome}
		a := holdings[k]
		if a == nil {
			a = &acc{}
			holdings[k] = a
		}
		a.shares += b.Shares
		a.cost += b.Amount
	}

	keys := make([]key, 0, len(holdings))
	for k, a := range holdings {
		if a.shares > 1e-9 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].contract != keys[j].contract {
			return keys[i].contract < keys[j].contract
		}
		return keys[i].outcome < keys[j].outcome
	})

	now := time.Now().UTC()
	positions := make([]domain.Position, 0, len(keys))
	enriched := 0
	contracts := make(map[string]*contract)
	for _, k := range keys {
		a := holdings[k]
		avgEntry := a.cost / a.shares

		cnt, ok := contracts[k.contract]
		if !ok && enriched < maxEnrichedContracts {
			cnt = c.lookupContract(ctx, k.contract)
			contracts[k.contract] = cnt
			enriched++
		}

		current := avgEntry
		question := ""
		if cnt != nil {
			question = cnt.Question
			current = cnt.Probability
			if k.outcome == "NO" {
				current = 1 - cnt.Probability
			}
		}

		positions = append(positions, domain.Position{
			Venue:          venues.VenueManifold,
			MarketID:       k.contract,
			OutcomeID:      k.outcome,
			MarketQuestion: question,
			Side:           domain.SideLong,
			Size:           a.shares,
			AvgEntryPrice:  avgEntry,
			CurrentPrice:   current,
			UpdatedAt:      now,
		})
	}
	return positions, nil
}

func (c *Client) lookupContract(ctx context.Context, id string) *contract {
	var cnt contract
	if err := c.rest.Get(ctx, "/v0/market/"+id, nil, &cnt); err != nil {
		c.log.Debug().Err(err).Str("contract", id).Msg("Contract lookup failed")
		return nil
	}
	return &cnt
}

// FetchBalances implements venues.Adapter.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	user, err := c.fetchMe(ctx, creds)
	if err != nil {
		return nil, err
	}
	return []domain.Balance{{
		Venue:     venues.VenueManifold,
		Asset:     "M$",
		Available: user.Balance,
		Total:     user.Balance,
	}}, nil
}

// FetchTrades implements venues.Adapter. Bets map to trades; sales arrive
// with negative shares.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	user, err := c.fetchMe(ctx, creds)
	if err != nil {
		return nil, err
	}

	bets, err := c.fetchBets(ctx, creds, user.ID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetch bets: %w", err)
	}

	trades := make([]domain.Trade, 0, len(bets))
	for _, b := range bets {
		if b.IsRedemption || b.Shares == 0 {
			continue
		}
		ts := time.UnixMilli(b.CreatedTime).UTC()
		if q.Since != nil && ts.Before(*q.Since) {
			continue
		}

		side := domain.SideBuy
		size := b.Shares
		amount := b.Amount
		if size < 0 {
			side = domain.SideSell
			size = -size
			amount = -amount
		}

		trades = append(trades, domain.Trade{
			Venue:        venues.VenueManifold,
			VenueTradeID: b.ID,
			MarketID:     b.ContractID,
			Outcome:      b.Outcome,
			Side:         side,
			Size:         size,
			Price:        amount / size,
			Timestamp:    ts,
		})
	}
	return trades, nil
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueManifold, "funding history")
}

// Quote implements venues.Adapter. The quote is the current probability;
// Manifold's AMM has no resting orders to price against.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	var cnt contract
	if err := c.rest.Get(ctx, "/v0/market/"+marketID, nil, &cnt); err != nil {
		return nil, err
	}

	return &venues.Quote{
		Venue:     venues.VenueManifold,
		MarketID:  marketID,
		Side:      strings.ToLower(side),
		Size:      size,
		Price:     cnt.Probability,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// SearchMarkets implements venues.MarketSearcher.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}

	var raw []contract
	params := map[string]string{"term": query, "limit": fmt.Sprintf("%d", limit)}
	if err := c.rest.Get(ctx, "/v0/search-markets", params, &raw); err != nil {
		return nil, fmt.Errorf("search markets: %w", err)
	}

	now := time.Now().UTC()
	markets := make([]domain.Market, 0, len(raw))
	for _, cnt := range raw {
		if cnt.OutcomeType != "" && cnt.OutcomeType != "BINARY" {
			continue
		}
		dm := domain.Market{
			Venue:      venues.VenueManifold,
			MarketID:   cnt.ID,
			Question:   cnt.Question,
			Outcomes:   []string{"Yes", "No"},
			Resolved:   cnt.IsResolved,
			LastSeenAt: now,
		}
		if cnt.CloseTime > 0 {
			t := time.UnixMilli(cnt.CloseTime).UTC()
			dm.EndDate = &t
		}
		markets = append(markets, dm)
	}
	return markets, nil
}

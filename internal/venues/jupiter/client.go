// Package jupiter integrates the Jupiter swap aggregator on Solana.
// Quotes come from the v6 quote API; balances are read straight from the
// chain via RPC. Market ids are "baseMint:quoteMint" pairs.
package jupiter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/solana"
)

const (
	defaultQuoteURL    = "https://quote-api.jup.ag"
	defaultSlippageBps = 50

	wrappedSOLMint = "So11111111111111111111111111111111111111112"
	usdcMint       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	usdtMint       = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// mintDecimals covers the mints Meridian quotes against; unknown mints
// default to 6, matching most SPL tokens.
var mintDecimals = map[string]int{
	wrappedSOLMint: 9,
	usdcMint:       6,
	usdtMint:       6,
}

var mintSymbols = map[string]string{
	wrappedSOLMint: "SOL",
	usdcMint:       "USDC",
	usdtMint:       "USDT",
}

// Options configure the Jupiter adapter.
type Options struct {
	QuoteURL    string
	SlippageBps int
	Timeout     time.Duration
}

// Client quotes swaps through Jupiter and reads balances over RPC.
type Client struct {
	rest        *venues.RESTClient
	rpc         *solana.Client
	slippageBps int
	log         zerolog.Logger
}

// New creates the Jupiter adapter. The RPC client may be shared with other
// Solana venues.
func New(rpc *solana.Client, opts Options, log zerolog.Logger) *Client {
	if opts.QuoteURL == "" {
		opts.QuoteURL = defaultQuoteURL
	}
	if opts.SlippageBps <= 0 {
		opts.SlippageBps = defaultSlippageBps
	}
	log = log.With().Str("venue", venues.VenueJupiter).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueJupiter,
			BaseURL: opts.QuoteURL,
			Timeout: opts.Timeout,
			Log:     log,
		}),
		rpc:         rpc,
		slippageBps: opts.SlippageBps,
		log:         log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueJupiter }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{PriceUnit: venues.PriceQuote}
}

func resolveWallet(creds domain.Credentials) (string, error) {
	if creds.WalletAddress == "" {
		return "", venues.NewValidationError(venues.VenueJupiter, "wallet address is required")
	}
	if err := solana.ValidateWalletAddress(creds.WalletAddress); err != nil {
		return "", venues.NewValidationError(venues.VenueJupiter, "invalid wallet address")
	}
	return creds.WalletAddress, nil
}

// FetchPositions implements venues.Adapter. A swap venue has no open
// positions; holdings appear as balances.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	if _, err := resolveWallet(creds); err != nil {
		return nil, err
	}
	return []domain.Position{}, nil
}

// FetchBalances implements venues.Adapter. Native SOL plus every SPL token
// account with a nonzero amount.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}

	lamports, err := c.rpc.GetBalance(ctx, wallet)
	if err != nil {
		return nil, venues.NewNetworkError(venues.VenueJupiter, fmt.Errorf("get balance: %w", err))
	}

	var balances []domain.Balance
	if lamports > 0 {
		sol := solana.LamportsToSOL(lamports)
		balances = append(balances, domain.Balance{
			Venue:     venues.VenueJupiter,
			Asset:     "SOL",
			Available: sol,
			Total:     sol,
		})
	}

	accounts, err := c.rpc.GetTokenAccountsByOwner(ctx, wallet)
	if err != nil {
		return nil, venues.NewNetworkError(venues.VenueJupiter, fmt.Errorf("token accounts: %w", err))
	}

	byMint := make(map[string]float64)
	for _, acct := range accounts {
		if acct.Amount > 0 {
			byMint[acct.Mint] += acct.Amount
		}
	}
	for mint, amount := range byMint {
		balances = append(balances, domain.Balance{
			Venue:     venues.VenueJupiter,
			Asset:     mintSymbol(mint),
			Available: amount,
			Total:     amount,
		})
	}
	return balances, nil
}

// FetchTrades implements venues.Adapter. The quote API is stateless; swap
// history needs a chain indexer Meridian does not run.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	return nil, venues.NewNotSupported(venues.VenueJupiter, "trade history")
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueJupiter, "funding history")
}

type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	SlippageBps    int    `json:"slippageBps"`
}

// Quote implements venues.Adapter. Buys quote ExactOut for the base amount,
// sells quote ExactIn, so Price is always quote-per-base for `size` base
// units.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueJupiter, "side must be buy or sell")
	}
	if size <= 0 {
		return nil, venues.NewValidationError(venues.VenueJupiter, "size must be positive")
	}

	baseMint, quoteMint, err := splitPair(marketID)
	if err != nil {
		return nil, err
	}

	baseRaw := toRaw(size, decimalsFor(baseMint))
	params := map[string]string{
		"amount":      fmt.Sprintf("%d", baseRaw),
		"slippageBps": fmt.Sprintf("%d", c.slippageBps),
	}
	if side == domain.SideBuy {
		params["inputMint"] = quoteMint
		params["outputMint"] = baseMint
		params["swapMode"] = "ExactOut"
	} else {
		params["inputMint"] = baseMint
		params["outputMint"] = quoteMint
	}

	var resp quoteResponse
	if err := c.rest.Get(ctx, "/v6/quote", params, &resp); err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	quoteDecimals := decimalsFor(quoteMint)
	var quoteAmount float64
	if side == domain.SideBuy {
		quoteAmount = fromRaw(resp.InAmount, quoteDecimals)
	} else {
		quoteAmount = fromRaw(resp.OutAmount, quoteDecimals)
	}
	if quoteAmount <= 0 {
		return nil, venues.NewVenueError(venues.VenueJupiter, 0, "empty route")
	}

	return &venues.Quote{
		Venue:       venues.VenueJupiter,
		MarketID:    marketID,
		Side:        side,
		Size:        size,
		Price:       quoteAmount / size,
		PriceImpact: parseImpact(resp.PriceImpactPct),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// splitPair parses "baseMint:quoteMint" and validates both mints.
func splitPair(marketID string) (string, string, error) {
	parts := strings.SplitN(marketID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", venues.NewValidationError(venues.VenueJupiter, "market id must be baseMint:quoteMint")
	}
	for _, mint := range parts {
		if err := solana.ValidateAddress(mint); err != nil {
			return "", "", venues.NewValidationError(venues.VenueJupiter, "invalid mint address")
		}
	}
	return parts[0], parts[1], nil
}

func decimalsFor(mint string) int {
	if d, ok := mintDecimals[mint]; ok {
		return d
	}
	return 6
}

func mintSymbol(mint string) string {
	if sym, ok := mintSymbols[mint]; ok {
		return sym
	}
	if len(mint) > 8 {
		return mint[:8]
	}
	return mint
}

func toRaw(amount float64, decimals int) uint64 {
	return uint64(math.Round(amount * math.Pow10(decimals)))
}

func fromRaw(raw string, decimals int) float64 {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0
	}
	f, _ := d.Shift(int32(-decimals)).Float64()
	return f
}

func parseImpact(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	if f < 0 {
		f = -f
	}
	return f
}

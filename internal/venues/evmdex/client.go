// Package evmdex integrates a 0x-style EVM swap aggregator. Quotes come
// from /swap/v1/quote with raw wei amounts; native balances come from an
// optional JSON-RPC endpoint.
package evmdex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const defaultBaseURL = "https://api.0x.org"

// Well-known mainnet tokens. Anything else defaults to 18 decimals.
var tokenDecimals = map[string]int{
	"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2": 18, // WETH
	"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48": 6,  // USDC
	"0xdAC17F958D2ee523a2206206994597C13D831ec7": 6,  // USDT
	"0x6B175474E89094C44Da98b954EedeAC495271d0F": 18, // DAI
	"0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599": 8,  // WBTC
}

// Options configures the EVM DEX adapter.
type Options struct {
	BaseURL string
	RPCURL  string // optional, enables native balance lookups
	Timeout time.Duration
}

// Client talks to the aggregator quote API and, when configured, an EVM
// JSON-RPC node.
type Client struct {
	rest   *venues.RESTClient
	rpcURL string
	log    zerolog.Logger
}

// New creates the EVM DEX adapter.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	log = log.With().Str("venue", venues.VenueEVMDEX).Logger()
	return &Client{
		rest: venues.NewRESTClient(venues.RESTConfig{
			Venue:   venues.VenueEVMDEX,
			BaseURL: opts.BaseURL,
			Timeout: opts.Timeout,
			Log:     log,
		}),
		rpcURL: opts.RPCURL,
		log:    log,
	}
}

// Venue implements venues.Adapter.
func (c *Client) Venue() string { return venues.VenueEVMDEX }

// Capabilities implements venues.Adapter.
func (c *Client) Capabilities() venues.Capabilities {
	return venues.Capabilities{PriceUnit: venues.PriceQuote}
}

// resolveWallet returns a checksummed address from the credential blob,
// deriving it from the ECDSA key when no address is stored.
func resolveWallet(creds domain.Credentials) (string, error) {
	if creds.WalletAddress != "" {
		if !common.IsHexAddress(creds.WalletAddress) {
			return "", venues.NewValidationError(venues.VenueEVMDEX, "invalid wallet address")
		}
		return common.HexToAddress(creds.WalletAddress).Hex(), nil
	}
	if creds.PrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
		if err != nil {
			return "", venues.NewValidationError(venues.VenueEVMDEX, "invalid private key")
		}
		return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}
	return "", venues.NewValidationError(venues.VenueEVMDEX, "wallet address or private key required")
}

// FetchPositions implements venues.Adapter. Swap aggregators hold no
// positions; wallet holdings are balances.
func (c *Client) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	if _, err := resolveWallet(creds); err != nil {
		return nil, err
	}
	return []domain.Position{}, nil
}

// FetchBalances implements venues.Adapter. Returns the native token
// balance from the configured RPC node.
func (c *Client) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	wallet, err := resolveWallet(creds)
	if err != nil {
		return nil, err
	}
	if c.rpcURL == "" {
		return nil, venues.NewNotSupported(venues.VenueEVMDEX, "balances without an rpc endpoint")
	}

	eth, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, venues.NewNetworkError(venues.VenueEVMDEX, err)
	}
	defer eth.Close()

	wei, err := eth.BalanceAt(ctx, common.HexToAddress(wallet), nil)
	if err != nil {
		return nil, venues.NewNetworkError(venues.VenueEVMDEX, err)
	}

	amount := decimal.NewFromBigInt(wei, -18).InexactFloat64()
	return []domain.Balance{{
		Venue:     venues.VenueEVMDEX,
		Asset:     "ETH",
		Available: amount,
		Total:     amount,
	}}, nil
}

// FetchTrades implements venues.Adapter.
func (c *Client) FetchTrades(ctx context.Context, creds domain.Credentials, q venues.TradeQuery) ([]domain.Trade, error) {
	return nil, venues.NewNotSupported(venues.VenueEVMDEX, "trade history")
}

// FetchFunding implements venues.Adapter.
func (c *Client) FetchFunding(ctx context.Context, creds domain.Credentials, q venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, venues.NewNotSupported(venues.VenueEVMDEX, "funding")
}

type swapQuote struct {
	Price                string `json:"price"`
	EstimatedPriceImpact string `json:"estimatedPriceImpact"`
	BuyAmount            string `json:"buyAmount"`
	SellAmount           string `json:"sellAmount"`
	BuyTokenAddress      string `json:"buyTokenAddress"`
	SellTokenAddress     string `json:"sellTokenAddress"`
	AllowanceTarget      string `json:"allowanceTarget"`
}

// Quote implements venues.Adapter. Price is always quote tokens per base
// token: buys fix buyAmount, sells fix sellAmount.
func (c *Client) Quote(ctx context.Context, marketID, side string, size float64) (*venues.Quote, error) {
	side = strings.ToLower(side)
	if side != domain.SideBuy && side != domain.SideSell {
		return nil, venues.NewValidationError(venues.VenueEVMDEX, "side must be buy or sell")
	}
	if size <= 0 {
		return nil, venues.NewValidationError(venues.VenueEVMDEX, "size must be positive")
	}
	baseToken, quoteToken, err := splitPair(marketID)
	if err != nil {
		return nil, err
	}

	baseRaw := toRaw(size, decimalsFor(baseToken))
	params := map[string]string{}
	if side == domain.SideBuy {
		params["buyToken"] = baseToken
		params["sellToken"] = quoteToken
		params["buyAmount"] = baseRaw
	} else {
		params["sellToken"] = baseToken
		params["buyToken"] = quoteToken
		params["sellAmount"] = baseRaw
	}

	var resp swapQuote
	if err := c.rest.Get(ctx, "/swap/v1/quote", params, &resp); err != nil {
		return nil, fmt.Errorf("swap quote: %w", err)
	}

	quoteDec := decimalsFor(quoteToken)
	var quoteAmount float64
	if side == domain.SideBuy {
		quoteAmount = fromRaw(resp.SellAmount, quoteDec)
	} else {
		quoteAmount = fromRaw(resp.BuyAmount, quoteDec)
	}
	if quoteAmount <= 0 {
		return nil, venues.NewVenueError(venues.VenueEVMDEX, 0, "no route for pair")
	}

	return &venues.Quote{
		Venue:       venues.VenueEVMDEX,
		MarketID:    marketID,
		Side:        side,
		Size:        size,
		Price:       quoteAmount / size,
		PriceImpact: parseImpact(resp.EstimatedPriceImpact),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// splitPair parses "baseToken:quoteToken" and validates both addresses.
func splitPair(marketID string) (string, string, error) {
	parts := strings.SplitN(marketID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", venues.NewValidationError(venues.VenueEVMDEX, "market id must be baseToken:quoteToken")
	}
	for i, token := range parts {
		if !common.IsHexAddress(token) {
			return "", "", venues.NewValidationError(venues.VenueEVMDEX, "invalid token address")
		}
		parts[i] = common.HexToAddress(token).Hex()
	}
	return parts[0], parts[1], nil
}

func decimalsFor(token string) int {
	if d, ok := tokenDecimals[token]; ok {
		return d
	}
	return 18
}

// toRaw converts a token amount to its wei-style integer string.
func toRaw(amount float64, decimals int) string {
	return decimal.NewFromFloat(amount).Shift(int32(decimals)).Round(0).BigInt().String()
}

func fromRaw(raw string, decimals int) float64 {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0
	}
	return d.Shift(int32(-decimals)).InexactFloat64()
}

// parseImpact converts the aggregator's percentage string to a fraction.
func parseImpact(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Div(decimal.New(100, 0)).Abs().InexactFloat64()
}

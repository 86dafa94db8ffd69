package venues

import (
	"context"
	"sort"
	"time"

	"github.com/hexaphore/meridian/internal/domain"
)

// Venue tags. These are the canonical identifiers used in storage,
// credentials, API paths and logs.
const (
	VenuePolymarket  = "polymarket"
	VenueKalshi      = "kalshi"
	VenueHyperliquid = "hyperliquid"
	VenueBinance     = "binance-futures"
	VenueBybit       = "bybit"
	VenueMEXC        = "mexc"
	VenueDrift       = "drift"
	VenueManifold    = "manifold"
	VenueJupiter     = "jupiter"
	VenuePumpFun     = "pumpfun"
	VenueRaydium     = "raydium"
	VenueOrca        = "orca"
	VenueMeteora     = "meteora"
	VenueEVMDEX      = "evm-dex"
)

// PriceUnit describes what a venue's prices mean.
type PriceUnit string

const (
	// PriceProbability - prediction market price in [0,1]
	PriceProbability PriceUnit = "probability"
	// PriceQuote - quote-currency price per unit (perps, spot)
	PriceQuote PriceUnit = "quote"
)

// Capabilities describes what an adapter can do. The aggregator and
// history service consult these before calling optional operations.
type Capabilities struct {
	SupportsFutures bool // leverage, margin, liquidation price
	SupportsFunding bool // periodic funding payments
	SupportsStream  bool // push price feed
	SupportsSearch  bool // market search for the arbitrage index
	PriceUnit       PriceUnit
}

// TradeQuery narrows a trade history fetch.
type TradeQuery struct {
	Since *time.Time
	Limit int // 0 means venue default
}

// FundingQuery narrows a funding history fetch.
type FundingQuery struct {
	Since *time.Time
	Limit int
}

// Quote is a venue's answer for a hypothetical fill.
type Quote struct {
	Venue       string
	MarketID    string
	Side        string
	Size        float64
	Price       float64
	Fee         float64
	PriceImpact float64 // fraction, 0 when the venue does not report it
	FetchedAt   time.Time
}

// Adapter is the contract every venue integration implements. Adapters are
// stateless handles; credentials arrive per call and are never retained.
type Adapter interface {
	Venue() string
	Capabilities() Capabilities
	FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error)
	FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error)
	FetchTrades(ctx context.Context, creds domain.Credentials, q TradeQuery) ([]domain.Trade, error)
	FetchFunding(ctx context.Context, creds domain.Credentials, q FundingQuery) ([]domain.FundingPayment, error)
	Quote(ctx context.Context, marketID, side string, size float64) (*Quote, error)
}

// MarketSearcher is implemented by adapters whose venue exposes a market
// search endpoint. The arbitrage index builder only consults these.
type MarketSearcher interface {
	SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error)
}

// Registry holds all configured adapters keyed by venue tag.
// Registration happens once at startup; lookups are read-only after that.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. A second adapter for the same venue replaces
// the first.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Venue()] = a
}

// Get returns the adapter for a venue tag, or nil when none is registered.
func (r *Registry) Get(venue string) Adapter {
	return r.adapters[venue]
}

// Venues returns all registered venue tags, sorted for stable iteration.
func (r *Registry) Venues() []string {
	venues := make([]string, 0, len(r.adapters))
	for v := range r.adapters {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	return venues
}

// All returns all registered adapters in venue-tag order.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, v := range r.Venues() {
		adapters = append(adapters, r.adapters[v])
	}
	return adapters
}

// Searchers returns the adapters that implement market search, in
// venue-tag order.
func (r *Registry) Searchers() []MarketSearcher {
	var searchers []MarketSearcher
	for _, a := range r.All() {
		if s, ok := a.(MarketSearcher); ok && a.Capabilities().SupportsSearch {
			searchers = append(searchers, s)
		}
	}
	return searchers
}

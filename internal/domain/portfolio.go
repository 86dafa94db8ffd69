package domain

import (
	"time"
)

// Side of a position or trade.
const (
	SideLong  = "long"
	SideShort = "short"
	SideBuy   = "buy"
	SideSell  = "sell"
)

// Position is one open holding on a venue. (UserID, Venue, MarketID,
// OutcomeID) is unique while the position is open. Value, PnL and PnLPct are
// derived and never stored.
type Position struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	Venue         string    `json:"venue"`
	MarketID      string    `json:"market_id"`
	OutcomeID     string    `json:"outcome_id"`
	MarketQuestion string   `json:"market_question,omitempty"`
	Side          string    `json:"side"` // long or short; prediction venues use long for held outcome shares
	Size          float64   `json:"size"` // Always positive; Side carries direction
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Futures-only fields, absent elsewhere
	Leverage         *float64 `json:"leverage,omitempty"`
	MarginMode       *string  `json:"margin_mode,omitempty"`
	LiquidationPrice *float64 `json:"liquidation_price,omitempty"`
	Notional         *float64 `json:"notional,omitempty"`
}

// Value is the current mark value of the position.
func (p *Position) Value() float64 {
	return p.Size * p.CurrentPrice
}

// CostBasis is the entry value of the position.
func (p *Position) CostBasis() float64 {
	return p.Size * p.AvgEntryPrice
}

// PnL is the unrealized profit, sign-corrected for shorts.
func (p *Position) PnL() float64 {
	if p.Side == SideShort {
		return p.Size * (p.AvgEntryPrice - p.CurrentPrice)
	}
	return p.Size * (p.CurrentPrice - p.AvgEntryPrice)
}

// PnLPct is PnL over cost basis, 0 when the basis is not positive.
func (p *Position) PnLPct() float64 {
	basis := p.CostBasis()
	if basis <= 0 {
		return 0
	}
	return p.PnL() / basis * 100
}

// Balance is one venue's account balance in its settlement asset.
type Balance struct {
	Venue     string  `json:"venue"`
	Asset     string  `json:"asset,omitempty"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
	Total     float64 `json:"total"`
}

// Trade is one executed fill. Append-only; (Venue, VenueTradeID) provides
// idempotency when the venue supplies an id.
type Trade struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Venue        string    `json:"venue"`
	VenueTradeID string    `json:"venue_trade_id,omitempty"`
	MarketID     string    `json:"market_id"`
	Outcome      string    `json:"outcome,omitempty"`
	Side         string    `json:"side"` // buy or sell
	Size         float64   `json:"size"`
	Price        float64   `json:"price"`
	Fee          float64   `json:"fee"`
	RealizedPnl  *float64  `json:"realized_pnl,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Value is the notional of the fill.
func (t *Trade) Value() float64 {
	return t.Size * t.Price
}

// FundingPayment is one perpetual funding transfer. Append-only.
type FundingPayment struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Venue        string    `json:"venue"`
	Symbol       string    `json:"symbol"`
	Rate         float64   `json:"rate"`
	Amount       float64   `json:"amount"` // Positive when received, negative when paid
	PositionSize float64   `json:"position_size"`
	Timestamp    time.Time `json:"timestamp"`
}

// VenueBreakdown is the per-venue slice of a snapshot.
type VenueBreakdown struct {
	Value     float64 `json:"value"`
	Pnl       float64 `json:"pnl"`
	Positions int     `json:"positions"`
}

// PortfolioSnapshot is a point-in-time record of a user's portfolio.
// Append-only time series, periodically pruned.
type PortfolioSnapshot struct {
	ID             string                    `json:"id"`
	UserID         string                    `json:"user_id"`
	TotalValue     float64                   `json:"total_value"`
	TotalPnl       float64                   `json:"total_pnl"`
	TotalPnlPct    float64                   `json:"total_pnl_pct"`
	TotalCostBasis float64                   `json:"total_cost_basis"`
	PositionsCount int                       `json:"positions_count"`
	PerVenue       map[string]VenueBreakdown `json:"per_venue,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

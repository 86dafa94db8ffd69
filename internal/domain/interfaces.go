package domain

import (
	"context"
	"time"
)

// VenueStatus describes how one venue contributed to an aggregation pass.
// Raw errors are summarized; they never reach users verbatim.
type VenueStatus struct {
	Venue         string     `json:"venue"`
	OK            bool       `json:"ok"`
	LastError     string     `json:"last_error,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	Positions     int        `json:"positions"`
}

// PortfolioSummary is the aggregated cross-venue view of a user's holdings.
// Totals are derived from Positions at aggregation time and never stored.
type PortfolioSummary struct {
	UserID         string                    `json:"user_id"`
	TotalValue     float64                   `json:"total_value"`
	TotalPnl       float64                   `json:"total_pnl"`
	TotalPnlPct    float64                   `json:"total_pnl_pct"`
	TotalCostBasis float64                   `json:"total_cost_basis"`
	PositionsCount int                       `json:"positions_count"`
	Positions      []Position                `json:"positions,omitempty"`
	Balances       []Balance                 `json:"balances,omitempty"`
	PerVenue       map[string]VenueBreakdown `json:"per_venue,omitempty"`
	Venues         []VenueStatus             `json:"venues,omitempty"`
	GeneratedAt    time.Time                 `json:"generated_at"`
}

// DegradedVenues lists venues that did not contribute live data.
func (s *PortfolioSummary) DegradedVenues() []string {
	var out []string
	for _, v := range s.Venues {
		if !v.OK {
			out = append(out, v.Venue)
		}
	}
	return out
}

// SummaryProvider is implemented by the portfolio aggregator for modules
// that react to portfolio state without importing it.
type SummaryProvider interface {
	Summary(ctx context.Context, userID string, forceRefresh bool) (*PortfolioSummary, error)
}

// PositionReader exposes stored positions to risk and alert evaluation.
type PositionReader interface {
	PositionsByUser(ctx context.Context, userID string) ([]Position, error)
}

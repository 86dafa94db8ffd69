package domain

import (
	"time"
)

// Market is a cached venue market row with a freshness window. Stale rows
// are evicted by the index prune job.
type Market struct {
	Venue      string     `json:"venue"`
	MarketID   string     `json:"market_id"`
	Question   string     `json:"question"`
	Outcomes   []string   `json:"outcomes,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Resolved   bool       `json:"resolved"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CachedRaw  string     `json:"-"` // Venue response body as received
}

// MarketIndexEntry backs semantic cross-venue matching. The embedding is
// regenerated only when ContentHash changes.
type MarketIndexEntry struct {
	Venue       string    `json:"venue"`
	MarketID    string    `json:"market_id"`
	Question    string    `json:"question"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float64 `json:"-"` // Stored msgpack-encoded, nullable
	UpdatedAt   time.Time `json:"updated_at"`
}

// MatchedBy records how an ArbMatch was established.
type MatchedBy string

const (
	MatchedManual    MatchedBy = "manual"
	MatchedSlug      MatchedBy = "slug"
	MatchedQuestion  MatchedBy = "question"
	MatchedEmbedding MatchedBy = "embedding"
)

// MarketRef identifies one market inside a match.
type MarketRef struct {
	Venue    string `json:"venue"`
	MarketID string `json:"market_id"`
}

// ArbMatch declares that two or more markets on different venues resolve the
// same underlying question. Similarity is within [0,1] and drives
// opportunity confidence.
type ArbMatch struct {
	ID         string      `json:"id"`
	Markets    []MarketRef `json:"markets"`
	MatchedBy  MatchedBy   `json:"matched_by"`
	Similarity float64     `json:"similarity"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ArbLeg is one side of an opportunity.
type ArbLeg struct {
	Venue    string  `json:"venue"`
	MarketID string  `json:"market_id"`
	Outcome  string  `json:"outcome"`
	Price    float64 `json:"price"`
}

// ArbOpportunity is an active price divergence within a match.
// Invariants: Buy.Price > 0, Sell.Price > Buy.Price, ExpiresAt > DetectedAt.
type ArbOpportunity struct {
	ID           string    `json:"id"`
	Buy          ArbLeg    `json:"buy"`
	Sell         ArbLeg    `json:"sell"`
	Spread       float64   `json:"spread"`
	SpreadPct    float64   `json:"spread_pct"`
	ProfitPer100 float64   `json:"profit_per_100"`
	Confidence   float64   `json:"confidence"`
	DetectedAt   time.Time `json:"detected_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsActive     bool      `json:"is_active"`
}

// Key identifies the venue pair an opportunity tracks; refreshes reuse it.
func (o *ArbOpportunity) Key() string {
	return o.Buy.Venue + "|" + o.Buy.MarketID + "|" + o.Sell.Venue + "|" + o.Sell.MarketID
}

package events

import (
	"time"
)

// OpportunityEventData is the payload for ARB_OPPORTUNITY_* events.
// It carries the full opportunity so subscribers need no follow-up read.
type OpportunityEventData struct {
	OpportunityID string    `json:"opportunity_id"`
	BuyVenue      string    `json:"buy_venue"`
	BuyMarketID   string    `json:"buy_market_id"`
	BuyPrice      float64   `json:"buy_price"`
	SellVenue     string    `json:"sell_venue"`
	SellMarketID  string    `json:"sell_market_id"`
	SellPrice     float64   `json:"sell_price"`
	Spread        float64   `json:"spread"`
	SpreadPct     float64   `json:"spread_pct"`
	ProfitPer100  float64   `json:"profit_per_100"`
	Confidence    float64   `json:"confidence"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PriceUpdatedData contains data for PRICE_UPDATED events
type PriceUpdatedData struct {
	Venue    string  `json:"venue"`
	MarketID string  `json:"market_id"`
	Price    float64 `json:"price"`
	Source   string  `json:"source,omitempty"` // poll or stream
}

// PortfolioRefreshedData contains data for PORTFOLIO_REFRESHED events
type PortfolioRefreshedData struct {
	UserID     string  `json:"user_id"`
	TotalValue float64 `json:"total_value"`
	TotalPnl   float64 `json:"total_pnl"`
	Venues     int     `json:"venues"`
	Failed     int     `json:"failed"`
}

// TradesSyncedData contains data for TRADES_SYNCED events
type TradesSyncedData struct {
	UserID   string `json:"user_id"`
	Venue    string `json:"venue"`
	Fetched  int    `json:"fetched"`
	Inserted int    `json:"inserted"`
}

// SnapshotCreatedData contains data for SNAPSHOT_CREATED events
type SnapshotCreatedData struct {
	UserID     string  `json:"user_id"`
	SnapshotID string  `json:"snapshot_id"`
	TotalValue float64 `json:"total_value"`
}

// AlertTriggeredData contains data for ALERT_TRIGGERED events
type AlertTriggeredData struct {
	AlertID string  `json:"alert_id"`
	UserID  string  `json:"user_id"`
	Kind    string  `json:"kind"`
	Value   float64 `json:"value"`
	Message string  `json:"message"`
}

// VenueStatusChangedData contains data for VENUE_STATUS_CHANGED events
type VenueStatusChangedData struct {
	Venue     string `json:"venue"`
	OK        bool   `json:"ok"`
	LastError string `json:"last_error,omitempty"`
}

// BackupCompletedData contains data for BACKUP_COMPLETED events
type BackupCompletedData struct {
	Path     string  `json:"path"`
	SizeMB   float64 `json:"size_mb"`
	Uploaded bool    `json:"uploaded"`
	Duration float64 `json:"duration_seconds"`
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	Job      string  `json:"job"`
	Status   string  `json:"status"` // started, completed, failed
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration_seconds,omitempty"`
}

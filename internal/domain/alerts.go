package domain

import (
	"time"
)

// AlertKind names the class of condition an alert evaluates.
type AlertKind string

const (
	AlertPrice     AlertKind = "price"
	AlertPortfolio AlertKind = "portfolio"
)

// AlertCondition is the structured predicate an alert evaluates on every
// price tick for its market (or portfolio refresh). Exactly one threshold
// field is set per alert.
type AlertCondition struct {
	Venue    string `json:"venue,omitempty"`
	MarketID string `json:"market_id,omitempty"`

	PriceAbove *float64 `json:"price_above,omitempty"`
	PriceBelow *float64 `json:"price_below,omitempty"`
	PnlAbove   *float64 `json:"pnl_above,omitempty"`
	PnlBelow   *float64 `json:"pnl_below,omitempty"`
}

// Alert is a user-armed condition with dispatch routing. Once triggered it
// stays quiet until re-armed.
type Alert struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Kind            AlertKind      `json:"kind"`
	Condition       AlertCondition `json:"condition"`
	Enabled         bool           `json:"enabled"`
	Triggered       bool           `json:"triggered"`
	TriggerCount    int            `json:"trigger_count"`
	Channel         string         `json:"channel"`
	ChatID          string         `json:"chat_id"`
	CreatedAt       time.Time      `json:"created_at"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
}


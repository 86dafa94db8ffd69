package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockSummaryProvider struct{}

func (m *mockSummaryProvider) Summary(ctx context.Context, userID string, forceRefresh bool) (*PortfolioSummary, error) {
	return &PortfolioSummary{UserID: userID, GeneratedAt: time.Now()}, nil
}

type mockPositionReader struct{}

func (m *mockPositionReader) PositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	return nil, nil
}

func TestProviderInterfaces(t *testing.T) {
	var _ SummaryProvider = (*mockSummaryProvider)(nil)
	var _ PositionReader = (*mockPositionReader)(nil)
}

func TestDegradedVenues(t *testing.T) {
	s := &PortfolioSummary{
		Venues: []VenueStatus{
			{Venue: "polymarket", OK: true},
			{Venue: "kalshi", OK: false, LastError: "cooldown until 12:01"},
			{Venue: "hyperliquid", OK: false, LastError: "timeout"},
		},
	}

	assert.Equal(t, []string{"kalshi", "hyperliquid"}, s.DegradedVenues())
}

func TestDegradedVenuesEmptyWhenAllHealthy(t *testing.T) {
	s := &PortfolioSummary{
		Venues: []VenueStatus{{Venue: "polymarket", OK: true}},
	}

	assert.Nil(t, s.DegradedVenues())
}

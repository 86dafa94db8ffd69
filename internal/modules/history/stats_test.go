package history

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

func TestComputeStatsRoundTripWin(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		{Venue: venues.VenueKalshi, MarketID: "FED-25DEC", Outcome: "yes",
			Side: domain.SideBuy, Size: 100, Price: 0.40, Fee: 0.10, Timestamp: base},
		{Venue: venues.VenueKalshi, MarketID: "FED-25DEC", Outcome: "yes",
			Side: domain.SideSell, Size: 100, Price: 0.55, Fee: 0.10, Timestamp: base.Add(time.Hour)},
	}

	stats := computeStats(trades, PeriodDay, base.Add(2*time.Hour))

	assert.Equal(t, 2, stats.TotalTrades)
	assert.InDelta(t, 95.0, stats.TotalVolume, 1e-9)
	assert.InDelta(t, 14.80, stats.TotalPnl, 1e-9)
	assert.Equal(t, 1, stats.Wins)
	assert.Zero(t, stats.Losses)
	assert.InDelta(t, 100.0, stats.WinRate, 1e-9)
	assert.True(t, math.IsInf(float64(stats.ProfitFactor), 1))
	assert.InDelta(t, 14.80, stats.AvgWin, 1e-9)
	assert.InDelta(t, 14.80, stats.LargestWin, 1e-9)
	assert.Zero(t, stats.AvgLoss)
}

func TestComputeStatsMixedGroups(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		// Winner: +10 before fees, no fees.
		{Venue: venues.VenueKalshi, MarketID: "A", Outcome: "yes",
			Side: domain.SideBuy, Size: 100, Price: 0.40, Timestamp: base},
		{Venue: venues.VenueKalshi, MarketID: "A", Outcome: "yes",
			Side: domain.SideSell, Size: 100, Price: 0.50, Timestamp: base},
		// Loser: -5.
		{Venue: venues.VenueKalshi, MarketID: "B", Outcome: "no",
			Side: domain.SideBuy, Size: 50, Price: 0.60, Timestamp: base},
		{Venue: venues.VenueKalshi, MarketID: "B", Outcome: "no",
			Side: domain.SideSell, Size: 50, Price: 0.50, Timestamp: base},
	}

	stats := computeStats(trades, PeriodAll, base)

	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 50.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 5.0, stats.TotalPnl, 1e-9)
	assert.InDelta(t, 2.0, float64(stats.ProfitFactor), 1e-9)
	assert.InDelta(t, 10.0, stats.AvgWin, 1e-9)
	assert.InDelta(t, -5.0, stats.AvgLoss, 1e-9)
	assert.InDelta(t, 10.0, stats.LargestWin, 1e-9)
	assert.InDelta(t, -5.0, stats.LargestLoss, 1e-9)
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := computeStats(nil, PeriodWeek, time.Now())

	assert.Zero(t, stats.TotalTrades)
	assert.Zero(t, stats.TotalPnl)
	assert.Zero(t, stats.WinRate)
	assert.Zero(t, float64(stats.ProfitFactor))
	assert.False(t, math.IsNaN(stats.WinRate))
}

func TestProfitFactorJSON(t *testing.T) {
	inf := ProfitFactor(math.Inf(1))
	data, err := json.Marshal(inf)
	require.NoError(t, err)
	assert.Equal(t, `"inf"`, string(data))

	finite := ProfitFactor(2.5)
	data, err = json.Marshal(finite)
	require.NoError(t, err)
	assert.Equal(t, `2.5`, string(data))

	var back ProfitFactor
	require.NoError(t, json.Unmarshal([]byte(`"inf"`), &back))
	assert.True(t, math.IsInf(float64(back), 1))
	require.NoError(t, json.Unmarshal([]byte(`1.5`), &back))
	assert.Equal(t, ProfitFactor(1.5), back)
}

func TestComputeDailyBucketsByUTCDay(t *testing.T) {
	trades := []domain.Trade{
		// 23:30 UTC on day one and 00:30 on day two are different buckets.
		{Venue: venues.VenueKalshi, MarketID: "A", Side: domain.SideSell,
			Size: 10, Price: 1.0, Timestamp: time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)},
		{Venue: venues.VenueKalshi, MarketID: "A", Side: domain.SideBuy,
			Size: 10, Price: 0.8, Fee: 0.2, Timestamp: time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)},
		{Venue: venues.VenueKalshi, MarketID: "B", Side: domain.SideSell,
			Size: 5, Price: 2.0, Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)},
	}

	daily := computeDaily(trades)

	require.Len(t, daily, 2)
	assert.Equal(t, "2026-03-01", daily[0].Date)
	assert.InDelta(t, 10.0, daily[0].Pnl, 1e-9)
	assert.Equal(t, 1, daily[0].Trades)

	assert.Equal(t, "2026-03-02", daily[1].Date)
	assert.InDelta(t, 10.0-8.0-0.2, daily[1].Pnl, 1e-9)
	assert.InDelta(t, 18.0, daily[1].Volume, 1e-9)
	assert.Equal(t, 2, daily[1].Trades)
}

func TestComputeEquityCurveAndDrawdown(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	daily := []DailyPnl{
		{Date: "2026-03-01", Pnl: 100},
		{Date: "2026-03-05", Pnl: -40},
		{Date: "2026-03-10", Pnl: 20},
	}

	stats := computeEquity(daily, 30, now)

	// 2026-03-01 through 2026-03-20 inclusive.
	require.Len(t, stats.Equity, 20)
	assert.InDelta(t, 100.0, stats.Equity[0], 1e-9)
	assert.InDelta(t, 60.0, stats.Equity[4], 1e-9)
	assert.InDelta(t, 80.0, stats.Equity[len(stats.Equity)-1], 1e-9)

	assert.InDelta(t, 40.0, stats.MaxDrawdown, 1e-9)
	assert.InDelta(t, 40.0, stats.MaxDrawdownPct, 1e-9)

	require.NotNil(t, stats.Sma7)
	require.NotNil(t, stats.Ema14)
}

func TestComputeEquityEmpty(t *testing.T) {
	stats := computeEquity(nil, 30, time.Now())

	assert.Empty(t, stats.Equity)
	assert.Nil(t, stats.Sma7)
	assert.Nil(t, stats.Ema14)
	assert.Zero(t, stats.MaxDrawdown)
}

package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	testhelpers "github.com/hexaphore/meridian/internal/testing"
	"github.com/hexaphore/meridian/internal/venues"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	conn := testhelpers.NewMemoryConn(t)
	_, err := conn.Exec(`INSERT INTO users (id, external_platform_id, created_at) VALUES (?, ?, ?)`,
		"u1", "tg:1001", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
	return NewRepository(conn, testLogger())
}

func sampleTrades() []domain.Trade {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []domain.Trade{
		{
			Venue: venues.VenueKalshi, VenueTradeID: "t-1", MarketID: "FED-25DEC",
			Outcome: "yes", Side: domain.SideBuy, Size: 100, Price: 0.40, Fee: 0.10,
			Timestamp: base,
		},
		{
			Venue: venues.VenueKalshi, VenueTradeID: "t-2", MarketID: "FED-25DEC",
			Outcome: "yes", Side: domain.SideSell, Size: 100, Price: 0.55, Fee: 0.10,
			Timestamp: base.Add(time.Hour),
		},
	}
}

func TestInsertTradesReplayIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	trades := sampleTrades()

	inserted, err := repo.InsertTrades(ctx, "u1", trades)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Replaying the identical payload writes nothing.
	for i := 0; i < 3; i++ {
		inserted, err = repo.InsertTrades(ctx, "u1", trades)
		require.NoError(t, err)
		assert.Zero(t, inserted)
	}

	stored, err := repo.ListTrades(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestInsertTradesWithoutVenueIDAlwaysAppends(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	trade := []domain.Trade{{
		Venue: venues.VenueJupiter, MarketID: "SOL/USDC", Side: domain.SideBuy,
		Size: 10, Price: 95, Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}

	// No stable venue id means the dedup constraint does not apply.
	for i := 0; i < 2; i++ {
		inserted, err := repo.InsertTrades(ctx, "u1", trade)
		require.NoError(t, err)
		assert.Equal(t, 1, inserted)
	}

	stored, err := repo.ListTrades(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestListTradesFiltersAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	trades := sampleTrades()
	trades = append(trades, domain.Trade{
		Venue: venues.VenueHyperliquid, VenueTradeID: "h-1", MarketID: "BTC-PERP",
		Side: domain.SideBuy, Size: 1, Price: 50000,
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})
	_, err := repo.InsertTrades(ctx, "u1", trades)
	require.NoError(t, err)

	all, err := repo.ListTrades(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "h-1", all[0].VenueTradeID, "newest first")

	kalshi, err := repo.ListTrades(ctx, "u1", TradeFilter{Venue: venues.VenueKalshi})
	require.NoError(t, err)
	assert.Len(t, kalshi, 2)

	since := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	recent, err := repo.ListTrades(ctx, "u1", TradeFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	capped, err := repo.ListTrades(ctx, "u1", TradeFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestLastTradeTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	last, err := repo.LastTradeTime(ctx, "u1", venues.VenueKalshi)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = repo.InsertTrades(ctx, "u1", sampleTrades())
	require.NoError(t, err)

	last, err = repo.LastTradeTime(ctx, "u1", venues.VenueKalshi)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)))
}

func TestTradeRoundTripRealizedPnl(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pnl := 12.5
	trades := []domain.Trade{{
		Venue: venues.VenueBybit, VenueTradeID: "b-1", MarketID: "ETHUSDT",
		Side: domain.SideSell, Size: 2, Price: 3000, Fee: 1.2, RealizedPnl: &pnl,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC),
	}}
	_, err := repo.InsertTrades(ctx, "u1", trades)
	require.NoError(t, err)

	stored, err := repo.ListTrades(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].RealizedPnl)
	assert.Equal(t, 12.5, *stored[0].RealizedPnl)
	assert.True(t, stored[0].Timestamp.Equal(trades[0].Timestamp))
}

func TestInsertFundingDedupes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	payments := []domain.FundingPayment{
		{
			Venue: venues.VenueBinance, Symbol: "BTCUSDT", Rate: 0.0001,
			Amount: -1.25, PositionSize: 0.5,
			Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			Venue: venues.VenueBinance, Symbol: "BTCUSDT", Rate: 0.0001,
			Amount: -1.30, PositionSize: 0.5,
			Timestamp: time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC),
		},
	}

	inserted, err := repo.InsertFunding(ctx, "u1", payments)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = repo.InsertFunding(ctx, "u1", payments)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	stored, err := repo.ListFunding(ctx, "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, -1.30, stored[0].Amount, "newest first")

	last, err := repo.LastFundingTime(ctx, "u1", venues.VenueBinance)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(payments[1].Timestamp))
}

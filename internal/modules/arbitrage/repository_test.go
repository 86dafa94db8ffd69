package arbitrage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	testhelpers "github.com/hexaphore/meridian/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func sampleMatch() *domain.ArbMatch {
	return &domain.ArbMatch{
		ID: "match-1",
		Markets: []domain.MarketRef{
			{Venue: "polymarket", MarketID: "fed-cut-dec"},
			{Venue: "kalshi", MarketID: "FED-25DEC"},
		},
		MatchedBy:  domain.MatchedQuestion,
		Similarity: 0.92,
		CreatedAt:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func sampleOpportunity() *domain.ArbOpportunity {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &domain.ArbOpportunity{
		ID:           "opp-1",
		Buy:          domain.ArbLeg{Venue: "polymarket", MarketID: "fed-cut-dec", Price: 0.62},
		Sell:         domain.ArbLeg{Venue: "kalshi", MarketID: "FED-25DEC", Price: 0.70},
		Spread:       0.08,
		SpreadPct:    12.903,
		ProfitPer100: 12.903,
		Confidence:   0.92,
		DetectedAt:   now,
		ExpiresAt:    now.Add(time.Minute),
		IsActive:     true,
	}
}

func TestMatchInsertAndGet(t *testing.T) {
	repo := NewMatchRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	m := sampleMatch()
	require.NoError(t, repo.Insert(ctx, m))

	got, err := repo.Get(ctx, "match-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, m.Markets, got.Markets)
	assert.Equal(t, domain.MatchedQuestion, got.MatchedBy)
	assert.Equal(t, 0.92, got.Similarity)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestMatchGetMissing(t *testing.T) {
	repo := NewMatchRepository(testhelpers.NewMemoryConn(t), testLogger())

	got, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMatchListNewestFirst(t *testing.T) {
	repo := NewMatchRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		m := sampleMatch()
		m.ID = id
		m.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.Insert(ctx, m))
	}

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[2].ID)
}

func TestMatchDelete(t *testing.T) {
	repo := NewMatchRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, sampleMatch()))
	require.NoError(t, repo.Delete(ctx, "match-1"))

	got, err := repo.Get(ctx, "match-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, repo.Delete(ctx, "match-1"), sql.ErrNoRows)
}

func TestOpportunityUpsertAndGet(t *testing.T) {
	repo := NewOpportunityRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	o := sampleOpportunity()
	require.NoError(t, repo.Upsert(ctx, o))

	got, err := repo.Get(ctx, "opp-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, o.Buy, got.Buy)
	assert.Equal(t, o.Sell, got.Sell)
	assert.Equal(t, o.SpreadPct, got.SpreadPct)
	assert.Equal(t, o.Confidence, got.Confidence)
	assert.True(t, o.DetectedAt.Equal(got.DetectedAt))
	assert.True(t, o.ExpiresAt.Equal(got.ExpiresAt))
	assert.True(t, got.IsActive)
}

func TestOpportunityRefreshKeepsIdentity(t *testing.T) {
	repo := NewOpportunityRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	first := sampleOpportunity()
	require.NoError(t, repo.Upsert(ctx, first))

	// Same directed pair arriving under a new id refreshes the row.
	refresh := sampleOpportunity()
	refresh.ID = "opp-2"
	refresh.Buy.Price = 0.64
	refresh.Sell.Price = 0.71
	refresh.Spread = 0.07
	refresh.SpreadPct = 10.938
	refresh.DetectedAt = first.DetectedAt.Add(time.Minute)
	refresh.ExpiresAt = first.ExpiresAt.Add(time.Minute)
	require.NoError(t, repo.Upsert(ctx, refresh))

	list, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got := list[0]
	assert.Equal(t, "opp-1", got.ID)
	assert.True(t, first.DetectedAt.Equal(got.DetectedAt))
	assert.Equal(t, 0.64, got.Buy.Price)
	assert.Equal(t, 10.938, got.SpreadPct)
	assert.True(t, refresh.ExpiresAt.Equal(got.ExpiresAt))
}

func TestOpportunityListActiveOrder(t *testing.T) {
	repo := NewOpportunityRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	narrow := sampleOpportunity()
	narrow.ID = "narrow"
	narrow.Buy.MarketID = "a"
	narrow.SpreadPct = 3
	require.NoError(t, repo.Upsert(ctx, narrow))

	wide := sampleOpportunity()
	wide.ID = "wide"
	wide.Buy.MarketID = "b"
	wide.SpreadPct = 15
	require.NoError(t, repo.Upsert(ctx, wide))

	retired := sampleOpportunity()
	retired.ID = "retired"
	retired.Buy.MarketID = "c"
	retired.IsActive = false
	require.NoError(t, repo.Upsert(ctx, retired))

	list, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wide", list[0].ID)
	assert.Equal(t, "narrow", list[1].ID)
}

func TestOpportunityDeactivate(t *testing.T) {
	repo := NewOpportunityRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, sampleOpportunity()))
	require.NoError(t, repo.Deactivate(ctx, "opp-1"))

	list, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := repo.Get(ctx, "opp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)
}

func TestOpportunityPruneInactive(t *testing.T) {
	repo := NewOpportunityRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	cutoff := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	old := sampleOpportunity()
	old.ID = "old"
	old.Buy.MarketID = "a"
	old.IsActive = false
	old.ExpiresAt = cutoff.Add(-time.Hour)
	require.NoError(t, repo.Upsert(ctx, old))

	// Active rows survive pruning regardless of expiry.
	activeOld := sampleOpportunity()
	activeOld.ID = "active-old"
	activeOld.Buy.MarketID = "b"
	activeOld.ExpiresAt = cutoff.Add(-time.Hour)
	require.NoError(t, repo.Upsert(ctx, activeOld))

	removed, err := repo.PruneInactive(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.Get(ctx, "active-old")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

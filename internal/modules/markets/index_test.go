package markets

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	testhelpers "github.com/hexaphore/meridian/internal/testing"
)

func sampleEntry() *domain.MarketIndexEntry {
	return &domain.MarketIndexEntry{
		Venue:       "polymarket",
		MarketID:    "fed-rate-cut-dec",
		Question:    "Will the Fed cut rates in December?",
		Description: "Resolves YES if the FOMC lowers the target range.",
		Tags:        []string{"economics", "fed"},
		UpdatedAt:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash("q", "d", []string{"x", "y"})
	b := ContentHash("q", "d", []string{"x", "y"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, ContentHash("q2", "d", []string{"x", "y"}))
	assert.NotEqual(t, a, ContentHash("q", "d2", []string{"x", "y"}))
	assert.NotEqual(t, a, ContentHash("q", "d", []string{"x"}))
}

func TestIndexUpsertAndGet(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	e := sampleEntry()
	e.Embedding = []float64{0.1, -0.2, 0.3}
	require.NoError(t, repo.Upsert(ctx, e))
	assert.NotEmpty(t, e.ContentHash)

	got, err := repo.Get(ctx, "polymarket", "fed-rate-cut-dec")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, e.Question, got.Question)
	assert.Equal(t, e.Description, got.Description)
	assert.Equal(t, []string{"economics", "fed"}, got.Tags)
	assert.Equal(t, e.ContentHash, got.ContentHash)
	assert.Equal(t, []float64{0.1, -0.2, 0.3}, got.Embedding)
	assert.True(t, e.UpdatedAt.Equal(got.UpdatedAt))
}

func TestIndexGetMissing(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))

	got, err := repo.Get(context.Background(), "polymarket", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIndexUpsertKeepsEmbeddingWhenContentUnchanged(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	e := sampleEntry()
	e.Embedding = []float64{0.5, 0.5}
	require.NoError(t, repo.Upsert(ctx, e))

	// Same content, no vector attached: refresh must not lose the stored one.
	again := sampleEntry()
	require.NoError(t, repo.Upsert(ctx, again))

	got, err := repo.Get(ctx, "polymarket", "fed-rate-cut-dec")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []float64{0.5, 0.5}, got.Embedding)
}

func TestIndexUpsertClearsEmbeddingWhenContentChanged(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	e := sampleEntry()
	e.Embedding = []float64{0.5, 0.5}
	require.NoError(t, repo.Upsert(ctx, e))

	changed := sampleEntry()
	changed.Question = "Will the Fed cut rates at the December meeting?"
	require.NoError(t, repo.Upsert(ctx, changed))

	got, err := repo.Get(ctx, "polymarket", "fed-rate-cut-dec")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Embedding)
	assert.Equal(t, changed.ContentHash, got.ContentHash)
}

func TestIndexSetEmbedding(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	e := sampleEntry()
	require.NoError(t, repo.Upsert(ctx, e))

	vec := []float64{1, 2, 3, 4}
	require.NoError(t, repo.SetEmbedding(ctx, "polymarket", "fed-rate-cut-dec", e.ContentHash, vec))

	got, err := repo.Get(ctx, "polymarket", "fed-rate-cut-dec")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, vec, got.Embedding)
}

func TestIndexSetEmbeddingMissingRow(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))

	err := repo.SetEmbedding(context.Background(), "polymarket", "nope", "hash", []float64{1})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestIndexNeedsEmbedding(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	// Unknown market needs one.
	needs, err := repo.NeedsEmbedding(ctx, "polymarket", "nope", "hash")
	require.NoError(t, err)
	assert.True(t, needs)

	e := sampleEntry()
	require.NoError(t, repo.Upsert(ctx, e))

	// Indexed but vectorless.
	needs, err = repo.NeedsEmbedding(ctx, "polymarket", "fed-rate-cut-dec", e.ContentHash)
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, repo.SetEmbedding(ctx, "polymarket", "fed-rate-cut-dec", e.ContentHash, []float64{1, 2}))

	needs, err = repo.NeedsEmbedding(ctx, "polymarket", "fed-rate-cut-dec", e.ContentHash)
	require.NoError(t, err)
	assert.False(t, needs)

	// Content moved on since the vector was generated.
	needs, err = repo.NeedsEmbedding(ctx, "polymarket", "fed-rate-cut-dec", "different")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestIndexListEmbedded(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	withVec := sampleEntry()
	withVec.MarketID = "a"
	withVec.Embedding = []float64{0.9}
	require.NoError(t, repo.Upsert(ctx, withVec))

	without := sampleEntry()
	without.MarketID = "b"
	require.NoError(t, repo.Upsert(ctx, without))

	entries, err := repo.ListEmbedded(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].MarketID)
	assert.Equal(t, []float64{0.9}, entries[0].Embedding)
}

func TestIndexPruneBefore(t *testing.T) {
	repo := NewIndexRepository(testhelpers.NewMemoryConn(t))
	ctx := context.Background()

	cutoff := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	old := sampleEntry()
	old.MarketID = "old"
	old.UpdatedAt = cutoff.Add(-time.Hour)
	require.NoError(t, repo.Upsert(ctx, old))

	fresh := sampleEntry()
	fresh.MarketID = "fresh"
	fresh.UpdatedAt = cutoff.Add(time.Hour)
	require.NoError(t, repo.Upsert(ctx, fresh))

	removed, err := repo.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := repo.Get(ctx, "polymarket", "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

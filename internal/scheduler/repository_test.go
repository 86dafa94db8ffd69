package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/hexaphore/meridian/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestRegisterCreatesRow(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, JobPortfolioSnapshot, "@every 15m"))

	status, err := repo.Get(ctx, JobPortfolioSnapshot)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "@every 15m", status.Schedule)
	assert.Zero(t, status.RunCount)
	assert.Nil(t, status.LastRunAt)
}

func TestRegisterKeepsCountersOnReschedule(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, JobHistorySync, "@every 30m"))
	require.NoError(t, repo.RecordRun(ctx, JobHistorySync, time.Now(), time.Second, nil))

	require.NoError(t, repo.Register(ctx, JobHistorySync, "@hourly"))

	status, err := repo.Get(ctx, JobHistorySync)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "@hourly", status.Schedule)
	assert.Equal(t, 1, status.RunCount)
	assert.NotNil(t, status.LastRunAt)
}

func TestRecordRunSuccess(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, JobArbitrageTick, "@every 10s"))

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordRun(ctx, JobArbitrageTick, at, 1500*time.Millisecond, nil))

	status, err := repo.Get(ctx, JobArbitrageTick)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "ok", status.LastStatus)
	assert.Empty(t, status.LastError)
	assert.Equal(t, 1, status.RunCount)
	assert.Zero(t, status.FailCount)
	assert.Equal(t, int64(1500), status.LastDurationMS)
	require.NotNil(t, status.LastRunAt)
	assert.True(t, status.LastRunAt.Equal(at))
}

func TestRecordRunFailure(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, JobDatabaseBackup, "@every 6h"))
	require.NoError(t, repo.RecordRun(ctx, JobDatabaseBackup, time.Now(), time.Second,
		errors.New("disk full")))

	status, err := repo.Get(ctx, JobDatabaseBackup)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "error", status.LastStatus)
	assert.Equal(t, "disk full", status.LastError)
	assert.Equal(t, 1, status.RunCount)
	assert.Equal(t, 1, status.FailCount)
}

func TestRecordRunClearsPreviousError(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, JobDatabaseBackup, "@every 6h"))
	require.NoError(t, repo.RecordRun(ctx, JobDatabaseBackup, time.Now(), time.Second,
		errors.New("disk full")))
	require.NoError(t, repo.RecordRun(ctx, JobDatabaseBackup, time.Now(), time.Second, nil))

	status, err := repo.Get(ctx, JobDatabaseBackup)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "ok", status.LastStatus)
	assert.Empty(t, status.LastError)
	assert.Equal(t, 2, status.RunCount)
	assert.Equal(t, 1, status.FailCount)
}

func TestRecordRunUnregisteredJob(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())

	err := repo.RecordRun(context.Background(), "nope", time.Now(), time.Second, nil)
	assert.ErrorContains(t, err, "not registered")
}

func TestGetMissingReturnsNil(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())

	status, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestListOrdersByName(t *testing.T) {
	repo := NewRepository(testhelpers.NewMemoryConn(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, JobSessionsPrune, "@hourly"))
	require.NoError(t, repo.Register(ctx, JobArbitrageTick, "@every 10s"))

	statuses, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, JobArbitrageTick, statuses[0].Name)
	assert.Equal(t, JobSessionsPrune, statuses[1].Name)
}

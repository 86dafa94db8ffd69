package users

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/hexaphore/meridian/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestGetOrCreateCreatesOnFirstContact(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())
	ctx := context.Background()

	user, err := repo.GetOrCreate(ctx, "tg:1001")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "tg:1001", user.ExternalPlatformID)
	assert.False(t, user.CreatedAt.IsZero())
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, "tg:1001")
	require.NoError(t, err)
	second, err := repo.GetOrCreate(ctx, "tg:1001")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateRejectsEmptyID(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())

	_, err := repo.GetOrCreate(context.Background(), "")
	assert.Error(t, err)
}

func TestGetByIDMissingReturnsNil(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())

	user, err := repo.GetByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestUpdateSettingsRoundTrip(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())
	ctx := context.Background()

	user, err := repo.GetOrCreate(ctx, "tg:1001")
	require.NoError(t, err)

	err = repo.UpdateSettings(ctx, user.ID, map[string]string{"base_currency": "USD"})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "USD", got.Settings["base_currency"])
}

func TestUpdateSettingsMissingUser(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())

	err := repo.UpdateSettings(context.Background(), "nope", map[string]string{"a": "b"})
	assert.Error(t, err)
}

func TestListOrdersByCreation(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())
	ctx := context.Background()

	_, err := repo.GetOrCreate(ctx, "tg:1001")
	require.NoError(t, err)
	_, err = repo.GetOrCreate(ctx, "tg:1002")
	require.NoError(t, err)

	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "tg:1001", users[0].ExternalPlatformID)
	assert.Equal(t, "tg:1002", users[1].ExternalPlatformID)
}

func TestDeleteCascadesCredentials(t *testing.T) {
	conn := testhelpers.NewMemoryConn(t)
	repo := NewRepository(conn, testLogger())
	ctx := context.Background()

	user, err := repo.GetOrCreate(ctx, "tg:1001")
	require.NoError(t, err)

	_, err = conn.Exec(`
		INSERT INTO trading_credentials (user_id, venue, encrypted_blob)
		VALUES (?, 'kalshi', X'00')`, user.ID)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, user.ID))

	var count int
	err = conn.QueryRow(`SELECT COUNT(*) FROM trading_credentials WHERE user_id = ?`, user.ID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

package reliability

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/hexaphore/meridian/internal/testing"
)

func TestMaintenancePassesOnHealthyDatabase(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t)
	t.Cleanup(cleanup)

	maint := NewMaintenance(db, nil, testLogger())
	assert.NoError(t, maint.Run(context.Background()))
}

func TestMaintenanceVerifiesLatestBackup(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t)
	t.Cleanup(cleanup)

	backupDir := filepath.Join(t.TempDir(), "backups")
	mgr := NewManager(db, backupDir, 3, nil, nil, testLogger())
	require.NoError(t, mgr.Run(context.Background()))

	maint := NewMaintenance(db, mgr, testLogger())
	assert.NoError(t, maint.Run(context.Background()))
}

func TestMaintenanceSurvivesMissingBackups(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t)
	t.Cleanup(cleanup)

	backupDir := filepath.Join(t.TempDir(), "backups")
	mgr := NewManager(db, backupDir, 3, nil, nil, testLogger())

	// Verification failure is logged, not fatal.
	maint := NewMaintenance(db, mgr, testLogger())
	assert.NoError(t, maint.Run(context.Background()))
}

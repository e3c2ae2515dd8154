package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDB_MigratesStoreTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")

	database, err := InitDB(path)
	require.NoError(t, err)
	assert.True(t, database.Migrator().HasTable(&models.KVEntry{}))
	assert.True(t, database.Migrator().HasTable(&models.Credential{}))

	kv := NewKVStore(database)
	require.NoError(t, kv.Put(context.Background(), "k", []byte("v"), 0))

	sqlDB, err := database.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	// Reopening an existing file keeps its data and re-runs migrations cleanly.
	reopened, err := InitDB(path)
	require.NoError(t, err)
	entry, err := NewKVStore(reopened).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)
}

package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitSchema(db))
	return db
}

func TestLoadTypedValues(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Set(db, "service.port", "6001", "int"))
	require.NoError(t, Set(db, "redis.url", "redis://localhost:6379/1", "string"))
	require.NoError(t, Set(db, "publish.enabled", "true", "bool"))
	require.NoError(t, Set(db, "poll.drift_ratio", "0.25", "float"))

	cfg, err := Load(db, "comsrv")
	require.NoError(t, err)

	assert.Equal(t, 6001, cfg.Int("service.port", 0))
	assert.Equal(t, "redis://localhost:6379/1", cfg.String("redis.url", ""))
	assert.True(t, cfg.Bool("publish.enabled", false))
	assert.InDelta(t, 0.25, cfg.Float("poll.drift_ratio", 0), 1e-9)

	// Missing keys fall back to defaults.
	assert.Equal(t, 42, cfg.Int("absent", 42))
	assert.Equal(t, "x", cfg.String("absent", "x"))
}

func TestSetUpserts(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Set(db, "k", "1", "int"))
	require.NoError(t, Set(db, "k", "2", "int"))

	cfg, err := Load(db, "comsrv")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Int("k", 0))
}

func TestPortEnvOverrides(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Set(db, "service.port", "6001", "int"))
	cfg, err := Load(db, "comsrv")
	require.NoError(t, err)

	assert.Equal(t, 6001, cfg.Port(1234))

	t.Setenv("COMSRV_PORT", "7001")
	assert.Equal(t, 7001, cfg.Port(1234))

	t.Setenv("SERVICE_PORT", "8001")
	assert.Equal(t, 8001, cfg.Port(1234))
}

func TestRedisURLEnvOverride(t *testing.T) {
	db := openTestDB(t)
	cfg, err := Load(db, "comsrv")
	require.NoError(t, err)
	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.RedisURL())

	t.Setenv("REDIS_URL", "redis://bus:6379/2")
	assert.Equal(t, "redis://bus:6379/2", cfg.RedisURL())
}

func TestDBPathResolution(t *testing.T) {
	t.Setenv("DATABASE_DIR", "/var/lib/voltgrid")
	assert.Equal(t, filepath.Join("/var/lib/voltgrid", "comsrv.db"), DBPath("comsrv"))

	t.Setenv("COMSRV_DB_PATH", "/tmp/explicit.db")
	assert.Equal(t, "/tmp/explicit.db", DBPath("comsrv"))
}

func TestOpenMissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_DIR", t.TempDir())
	_, err := Open("comsrv")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabaseMissing)
	_ = os.Unsetenv("DATABASE_DIR")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServer_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("CARDSYNC_JWT_KEY", "from-env")
	t.Setenv("CARDSYNC_MAX_BATCH", "50")
	t.Setenv("CARDSYNC_WATERMARK_LAG", "2s")

	c, err := LoadServer([]string{"-dsn", MemoryDSN, "-addr", ":9000"})
	require.NoError(t, err)
	require.Equal(t, "from-env", c.JWTKey)
	require.Equal(t, 50, c.MaxBatch)
	require.Equal(t, 2*time.Second, c.WatermarkLag)
	require.Equal(t, ":9000", c.Addr)
	require.Equal(t, MemoryDSN, c.DSN)
}

func TestLoadServer_Validation(t *testing.T) {
	t.Setenv("CARDSYNC_JWT_KEY", "")
	_, err := LoadServer(nil)
	require.Error(t, err)

	_, err = LoadServer([]string{"-jwt-key", "k", "-max-batch", "0"})
	require.Error(t, err)

	_, err = LoadServer([]string{"-unknown"})
	require.Error(t, err)
}

func TestLoadServer_LagCoversStatementTimeout(t *testing.T) {
	t.Setenv("CARDSYNC_JWT_KEY", "k")
	t.Setenv("CARDSYNC_WATERMARK_LAG", "")
	t.Setenv("CARDSYNC_STATEMENT_TIMEOUT", "")

	c, err := LoadServer([]string{"-dsn", "postgres://localhost/db"})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, c.StatementTimeout)
	require.GreaterOrEqual(t, c.WatermarkLag, c.StatementTimeout)

	_, err = LoadServer([]string{"-dsn", "postgres://localhost/db", "-watermark-lag", "1s"})
	require.Error(t, err)

	_, err = LoadServer([]string{"-dsn", "postgres://localhost/db", "-statement-timeout", "0"})
	require.Error(t, err)

	c, err = LoadServer([]string{"-dsn", MemoryDSN, "-watermark-lag", "0"})
	require.NoError(t, err)
	require.Zero(t, c.WatermarkLag)
}

func TestLoadClient_EnvAndFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: http://example.test/\ninterval: 1m\n"), 0o600))

	t.Setenv("CARDSYNC_TOKEN", "tok")
	t.Setenv("CARDSYNC_BATCH_SIZE", "7")

	v := NewViper()
	v.Set("data-dir", dir)

	c, err := LoadClient(v)
	require.NoError(t, err)
	require.Equal(t, "http://example.test", c.Server)
	require.Equal(t, "tok", c.Token)
	require.Equal(t, time.Minute, c.Interval)
	require.Equal(t, 7, c.BatchSize)
	require.Equal(t, 5, c.MaxEntryAttempts)
	require.Equal(t, filepath.Join(dir, "cache.db"), c.DBPath())
}

func TestLoadClient_MissingToken(t *testing.T) {
	t.Setenv("CARDSYNC_TOKEN", "")
	v := NewViper()
	v.Set("data-dir", t.TempDir())
	_, err := LoadClient(v)
	require.Error(t, err)
}

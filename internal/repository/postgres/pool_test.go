package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@localhost:5432/cardsync", 7, 1500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int32(7), cfg.MaxConns)
	require.Equal(t, "1500", cfg.ConnConfig.RuntimeParams["statement_timeout"])

	cfg, err = poolConfig("postgres://u:p@localhost:5432/cardsync", 0, 0)
	require.NoError(t, err)
	require.NotContains(t, cfg.ConnConfig.RuntimeParams, "statement_timeout")

	_, err = poolConfig("://bad", 0, 0)
	require.Error(t, err)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SESSIONS_POSTGRES_DSN", "postgres://localhost/evcharge")
	t.Setenv("SESSIONS_QR_SECRET", "qr-secret")
	t.Setenv("SESSIONS_SIMULATOR_INTERVAL", "5s")
	t.Setenv("SESSIONS_HTTP_PORT", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 5*time.Second, cfg.Simulator.Interval)
	require.Equal(t, time.Hour, cfg.Simulator.Reference)
	require.Equal(t, 10000.0, cfg.Billing.BaseFee)
	require.Equal(t, 15*time.Minute, cfg.Reservations.NoShowGrace)
	require.Equal(t, 24*time.Hour, cfg.ActiveSessionTTL())
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.Database.DSN = "postgres://localhost/evcharge"
	require.ErrorContains(t, cfg.Validate(), "qr secret")

	cfg.QR.Secret = "s"
	require.NoError(t, cfg.Validate())

	cfg.Simulator.Interval = 0
	require.Error(t, cfg.Validate())
	cfg.Simulator.Enabled = false
	require.NoError(t, cfg.Validate())
}

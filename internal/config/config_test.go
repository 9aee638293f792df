package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/credit-ledger/internal/models"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "credits_test")
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_test")
	t.Setenv("WEBHOOK_TOLERANCE_SECONDS", "120")
	t.Setenv("TIER_DEFAULT_PRO", "500")
	t.Setenv("RETRY_SWEEP_INTERVAL", "30s")
	t.Setenv("MIGRATE_ON_START", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, "whsec_test", cfg.WebhookSigningSecret)
	assert.Equal(t, 2*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, "Stripe-Signature", cfg.WebhookSignatureHeader)
	assert.Equal(t, int64(500), cfg.TierDefaults[models.TierPro])
	assert.Equal(t, int64(3), cfg.TierDefaults[models.TierFree])
	assert.Equal(t, 30*time.Second, cfg.RetrySweepInterval)
	assert.True(t, cfg.MigrateOnStart)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Contains(t, cfg.DSN(), "host=db.internal")
	assert.Contains(t, cfg.DSN(), "dbname=credits_test")
}

func TestLoadConfig_RequiresSigningSecret(t *testing.T) {
	t.Setenv("WEBHOOK_SIGNING_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_test")

	cfg := LoadEnv()
	require.NoError(t, cfg.Validate())

	cfg.TierDefaults[models.TierBasic] = -1
	assert.Error(t, cfg.Validate())

	cfg = LoadEnv()
	cfg.WebhookTolerance = 0
	assert.Error(t, cfg.Validate())
}

func TestInvalidNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_test")
	t.Setenv("RETRY_WORKERS", "lots")
	t.Setenv("WEBHOOK_APPLY_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RetryWorkers)
	assert.Equal(t, 10*time.Second, cfg.WebhookApplyTimeout)
}

func TestEmptyValueOverridesDefault(t *testing.T) {
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_test")
	t.Setenv("DB_PASSWORD", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.DBPassword)
	assert.Contains(t, cfg.DSN(), "password= ")
}

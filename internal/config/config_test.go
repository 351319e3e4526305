package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  name: orchestrator
kafka:
  brokers: ["localhost:9092"]
  call_topic: calls
webhook:
  signing_secret: whsec
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 12, cfg.Kafka.Partitions)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.DispatchLease)
	assert.Equal(t, 300*time.Second, cfg.Webhook.Tolerance)
	assert.Equal(t, 10*time.Second, cfg.Webhook.ShortCallThreshold)
	assert.Equal(t, "5/3", cfg.Billing.Markup)
	assert.Equal(t, int64(500), cfg.Billing.LowBalanceThresholdCents)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 2160*time.Hour, cfg.Scylla.EventTTL)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
webhook:
  signing_secret: from-file
billing:
  markup: "1.5"
`)
	t.Setenv("OUTBOUND_WEBHOOK_SIGNING_SECRET", "from-env")
	t.Setenv("OUTBOUND_BILLING_MARKUP", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Webhook.SigningSecret)
	assert.Equal(t, "2", cfg.Billing.Markup)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `
app:
  name: orchestrator
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.signing_secret is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "calls", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/calls?sslmode=disable", cfg.DSN())
}

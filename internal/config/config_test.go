package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AI_API_KEYS", "k1, k2,,k3")
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.AIKeys)
	assert.Equal(t, 0.5, cfg.ReviewConfidenceThreshold)
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.Equal(t, int64(200), cfg.SyncMaxMessages)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigSingleKeyFallback(t *testing.T) {
	t.Setenv("AI_API_KEYS", "")
	t.Setenv("AI_API_KEY", "only")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, cfg.AIKeys)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		AuthJWTSecret:  "s",
		SessionSecret:  "s",
		AIKeys:         []string{"k"},
		DatabaseDriver: "sqlite",
		PollInterval:   time.Second,
	}
	assert.NoError(t, cfg.Validate())

	cfg.DatabaseDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.DatabaseDriver = "postgres"
	cfg.ReviewConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg.ReviewConfidenceThreshold = 0.5
	cfg.AuthJWTSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestConfiguredHelpers(t *testing.T) {
	cfg := &Config{HubSpotClientID: "id"}
	assert.False(t, cfg.HubSpotConfigured())
	cfg.HubSpotClientSecret = "secret"
	assert.True(t, cfg.HubSpotConfigured())
	assert.False(t, cfg.GoogleConfigured())
}

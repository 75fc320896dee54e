package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cli", cfg.Identity.ClientID)
	assert.Equal(t, 8, cfg.Device.Type)
	assert.Equal(t, 2*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 2*time.Second, cfg.Session.ActivationWait)
	assert.Equal(t, ".vault-login", cfg.Storage.DataDir)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IDENTITY_BASE_URL", "https://identity.example.com")
	t.Setenv("LOGIN_SESSION_TTL", "30s")
	t.Setenv("DEVICE_NAME", "integration-box")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://identity.example.com", cfg.Identity.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Session.TTL)
	assert.Equal(t, "integration-box", cfg.Device.Name)
}

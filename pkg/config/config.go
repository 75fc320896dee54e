package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// IdentityConfig points the client at an identity endpoint.
type IdentityConfig struct {
	BaseURL  string `env:"IDENTITY_BASE_URL" env-default:"http://localhost:8880/identity"`
	ClientID string `env:"IDENTITY_CLIENT_ID" env-default:"cli"`
}

// DeviceConfig describes this installation on token requests.
type DeviceConfig struct {
	// Type is the wire device-type code; 8 is a Linux desktop client.
	Type int    `env:"DEVICE_TYPE" env-default:"8"`
	Name string `env:"DEVICE_NAME" env-default:"vault-login"`
}

// SessionConfig bounds the login engine's waits.
type SessionConfig struct {
	// TTL is how long a pending two-factor/CAPTCHA/device-verification
	// challenge stays resumable.
	TTL time.Duration `env:"LOGIN_SESSION_TTL" env-default:"2m"`
	// ActivationWait bounds the account-activation confirmation.
	ActivationWait time.Duration `env:"ACCOUNT_ACTIVATION_WAIT" env-default:"2s"`
}

// StorageConfig locates the on-disk stores.
type StorageConfig struct {
	DataDir string `env:"DATA_DIR" env-default:".vault-login"`
}

type Config struct {
	Identity IdentityConfig
	Device   DeviceConfig
	Session  SessionConfig
	Storage  StorageConfig
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

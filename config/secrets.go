package config

import (
	"fmt"
	"os"
	"strings"
)

// SecretManager resolves secrets that should not live in config.yaml
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// EnvSecretManager reads secrets from HOSTAUDIT_-prefixed environment variables
type EnvSecretManager struct {
	prefix string
}

// NewEnvSecretManager creates an environment-backed secret manager
func NewEnvSecretManager() *EnvSecretManager {
	return &EnvSecretManager{prefix: "HOSTAUDIT_"}
}

// GetSecret returns the variable <prefix><KEY>, or "" when unset
func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	return strings.TrimSpace(os.Getenv(e.prefix + strings.ToUpper(key))), nil
}

// LoadSecrets fills the API key and relay credentials from sm when the
// config leaves them empty.
func LoadSecrets(config *Config, sm SecretManager) error {
	fill := func(dst *string, key string) error {
		if *dst != "" {
			return nil
		}
		v, err := sm.GetSecret(key)
		if err != nil {
			return fmt.Errorf("failed to load secret %s: %w", key, err)
		}
		*dst = v
		return nil
	}

	if err := fill(&config.API.APIKey, "API_KEY"); err != nil {
		return err
	}
	return fill(&config.Notify.Redis.Password, "REDIS_PASSWORD")
}

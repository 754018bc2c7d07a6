package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                 int    `env:"PORT" envDefault:"8080"`
	DatabaseURL          string `env:"DATABASE_URL,required"`
	RedisURL             string `env:"REDIS_URL,required"`
	SessionSecret        string `env:"SESSION_SECRET"`
	WorkerAPIKeyHash     string `env:"WORKER_API_KEY_HASH"`
	TokenTTLSeconds      int    `env:"TOKEN_TTL_SECONDS" envDefault:"900"`
	QRDebounceSeconds    int    `env:"QR_DEBOUNCE_SECONDS" envDefault:"5"`
	PairingTimeoutSecs   int    `env:"PAIRING_TIMEOUT_SECONDS" envDefault:"120"`
	MaxReconnectAttempts int    `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"3"`
	ReconnectBaseSeconds int    `env:"RECONNECT_BASE_SECONDS" envDefault:"2"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

func (c *Config) QRDebounce() time.Duration {
	return time.Duration(c.QRDebounceSeconds) * time.Second
}

func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSecs) * time.Second
}

func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.WorkerAPIKeyHash != "" {
		if !strings.HasPrefix(c.WorkerAPIKeyHash, "$2a$") &&
			!strings.HasPrefix(c.WorkerAPIKeyHash, "$2b$") &&
			!strings.HasPrefix(c.WorkerAPIKeyHash, "$2y$") {
			return fmt.Errorf("WORKER_API_KEY_HASH must be a bcrypt hash (generate with: go run scripts/hash-key.go <key>)")
		}
	}

	if isProduction {
		if err := validateSecret("SESSION_SECRET", c.SessionSecret); err != nil {
			return err
		}

		if c.WorkerAPIKeyHash == "" {
			log.Warn().Msg("WORKER_API_KEY_HASH is empty in production: session export by API key disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

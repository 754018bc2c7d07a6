package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("TokenTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{TokenTTLSeconds: 900}
		assert.Equal(t, 900*time.Second, cfg.TokenTTL())
	})

	t.Run("QRDebounce converts seconds to duration", func(t *testing.T) {
		cfg := &Config{QRDebounceSeconds: 5}
		assert.Equal(t, 5*time.Second, cfg.QRDebounce())
	})

	t.Run("PairingTimeout converts seconds to duration", func(t *testing.T) {
		cfg := &Config{PairingTimeoutSecs: 120}
		assert.Equal(t, 2*time.Minute, cfg.PairingTimeout())
	})

	t.Run("ReconnectBase converts seconds to duration", func(t *testing.T) {
		cfg := &Config{ReconnectBaseSeconds: 2}
		assert.Equal(t, 2*time.Second, cfg.ReconnectBase())
	})
}

func TestLoad(t *testing.T) {
	originalEnv := map[string]string{
		"PORT":                    os.Getenv("PORT"),
		"DATABASE_URL":            os.Getenv("DATABASE_URL"),
		"REDIS_URL":               os.Getenv("REDIS_URL"),
		"SESSION_SECRET":          os.Getenv("SESSION_SECRET"),
		"WORKER_API_KEY_HASH":     os.Getenv("WORKER_API_KEY_HASH"),
		"TOKEN_TTL_SECONDS":       os.Getenv("TOKEN_TTL_SECONDS"),
		"QR_DEBOUNCE_SECONDS":     os.Getenv("QR_DEBOUNCE_SECONDS"),
		"PAIRING_TIMEOUT_SECONDS": os.Getenv("PAIRING_TIMEOUT_SECONDS"),
		"LOG_LEVEL":               os.Getenv("LOG_LEVEL"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("TOKEN_TTL_SECONDS")
		os.Unsetenv("QR_DEBOUNCE_SECONDS")
		os.Unsetenv("PAIRING_TIMEOUT_SECONDS")
		os.Unsetenv("LOG_LEVEL")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, 900, cfg.TokenTTLSeconds)
		assert.Equal(t, 5, cfg.QRDebounceSeconds)
		assert.Equal(t, 120, cfg.PairingTimeoutSecs)
		assert.Equal(t, 3, cfg.MaxReconnectAttempts)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "9090")
		os.Setenv("TOKEN_TTL_SECONDS", "300")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 300, cfg.TokenTTLSeconds)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails when DATABASE_URL missing", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts empty secrets outside production", func(t *testing.T) {
		cfg := &Config{}
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects non-bcrypt worker key hash", func(t *testing.T) {
		cfg := &Config{WorkerAPIKeyHash: "plaintext-key"}
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("accepts bcrypt worker key hash", func(t *testing.T) {
		cfg := &Config{WorkerAPIKeyHash: "$2a$10$abcdefghijklmnopqrstuv"}
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects short session secret in production", func(t *testing.T) {
		cfg := &Config{SessionSecret: "short", RedisURL: "rediss://x"}
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("rejects known weak secret in production", func(t *testing.T) {
		cfg := &Config{SessionSecret: "change-me", RedisURL: "rediss://x"}
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("accepts strong secret in production", func(t *testing.T) {
		cfg := &Config{
			SessionSecret: "0123456789abcdef0123456789abcdef",
			RedisURL:      "rediss://x",
		}
		assert.NoError(t, cfg.Validate(true))
	})
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allVars = []string{
	"APP_ENV", "DATABASE_URL", "STORE_DRIVER", "SQLITE_PATH", "REDIS_ADDR",
	"PRICING_SOURCE", "PRICING_FILE", "PRICING_CACHE_TTL",
	"API_ADDR", "GRPC_HEALTH_ADDR", "API_TLS_CERT", "API_TLS_KEY", "API_TLS_CA",
	"API_MAX_BODY_BYTES", "API_IP_ALLOWLIST", "API_RATE_LIMIT_CAPACITY", "API_RATE_LIMIT_REFILL_PER_SEC",
	"TOKEN_ISSUER", "ACCESS_TOKEN_TTL", "OAUTH_CLIENTS_FILE", "OAUTH_SIGNING_KEY_FILE", "AUDIT_LOG_FILE",
}

// cleanEnv blanks every variable Load reads; t.Setenv restores them.
func cleanEnv(t *testing.T) {
	for _, k := range allVars {
		t.Setenv(k, "")
	}
}

func TestLoadDevelopmentDefaults(t *testing.T) {
	cleanEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("OAUTH_CLIENTS_FILE", "clients.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "teller-assist.db", cfg.SQLitePath)
	assert.Equal(t, PricingStatic, cfg.PricingSource)
	assert.Equal(t, 5*time.Minute, cfg.PricingCacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 20, cfg.RateLimitCapacity)
	assert.Equal(t, 10.0, cfg.RateLimitRefillPerSec)
	assert.Equal(t, ":8443", cfg.APIAddr)
	assert.Equal(t, "teller-assist", cfg.TokenIssuer)
	assert.False(t, cfg.IsProduction())
}

func TestLoadPicksPostgresWhenDatabaseURLSet(t *testing.T) {
	cleanEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://teller@localhost/teller")
	t.Setenv("PRICING_SOURCE", "Postgres")
	t.Setenv("API_IP_ALLOWLIST", "10.0.0.0/8, 192.168.1.7 ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, PricingPostgres, cfg.PricingSource)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.7"}, cfg.IPAllowlist)
}

func TestLoadMissing(t *testing.T) {
	cleanEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_ENV")
	assert.Contains(t, err.Error(), "OAUTH_CLIENTS_FILE")

	t.Setenv("APP_ENV", "development")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("PRICING_SOURCE", "postgres")
	_, err = Load()
	require.Error(t, err)
	assert.Equal(t, "missing required environment variables: DATABASE_URL", err.Error())

	t.Setenv("STORE_DRIVER", "mysql")
	_, err = Load()
	assert.ErrorContains(t, err, "STORE_DRIVER")

	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("OAUTH_CLIENTS_FILE", "clients.yaml")
	t.Setenv("PRICING_SOURCE", "file")
	_, err = Load()
	assert.ErrorContains(t, err, "PRICING_FILE")

	t.Setenv("PRICING_SOURCE", "spreadsheet")
	_, err = Load()
	assert.ErrorContains(t, err, "PRICING_SOURCE")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cleanEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("OAUTH_CLIENTS_FILE", "clients.yaml")
	t.Setenv("PRICING_CACHE_TTL", "five minutes")
	t.Setenv("API_RATE_LIMIT_CAPACITY", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICING_CACHE_TTL")
	assert.Contains(t, err.Error(), "API_RATE_LIMIT_CAPACITY")

	t.Setenv("PRICING_CACHE_TTL", "")
	t.Setenv("API_RATE_LIMIT_CAPACITY", "")
	t.Setenv("API_MAX_BODY_BYTES", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "API_MAX_BODY_BYTES")

	t.Setenv("API_MAX_BODY_BYTES", "")
	t.Setenv("API_TLS_CERT", "server.crt")
	_, err = Load()
	assert.ErrorContains(t, err, "set together")
}

func TestLoadProduction(t *testing.T) {
	cleanEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("OAUTH_CLIENTS_FILE", "clients.yaml")

	_, err := Load()
	assert.ErrorContains(t, err, "STORE_DRIVER must be postgres")

	t.Setenv("DATABASE_URL", "postgres://teller@db/teller")
	_, err = Load()
	require.Error(t, err)
	assert.Equal(t, "missing required environment variables for production: API_TLS_CA, API_TLS_CERT, API_TLS_KEY, OAUTH_SIGNING_KEY_FILE", err.Error())

	t.Setenv("API_TLS_CERT", "server.crt")
	t.Setenv("API_TLS_KEY", "server.key")
	t.Setenv("API_TLS_CA", "ca.crt")
	t.Setenv("OAUTH_SIGNING_KEY_FILE", "signing.pem")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
}

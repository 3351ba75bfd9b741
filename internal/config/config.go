package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	PricingStatic   = "static"
	PricingFile     = "file"
	PricingPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	DatabaseURL string
	StoreDriver string
	SQLitePath  string
	RedisAddr   string

	PricingSource   string
	PricingFile     string
	PricingCacheTTL time.Duration

	APIAddr        string
	GRPCHealthAddr string
	TLSCert        string
	TLSKey         string
	TLSCA          string
	MaxBodyBytes   int64
	IPAllowlist    []string

	RateLimitCapacity     int
	RateLimitRefillPerSec float64

	TokenIssuer         string
	AccessTokenTTL      time.Duration
	OAuthClientsFile    string
	OAuthSigningKeyFile string

	AuditLogFile string
}

// Load reads the configuration from environment variables and validates it.
// Development and test environments may run on SQLite without TLS.
func Load() (*Config, error) {
	var bad []string

	cfg := &Config{
		Environment: os.Getenv("APP_ENV"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoreDriver: strings.ToLower(os.Getenv("STORE_DRIVER")),
		SQLitePath:  getenv("SQLITE_PATH", "teller-assist.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		PricingSource: strings.ToLower(getenv("PRICING_SOURCE", PricingStatic)),
		PricingFile:   os.Getenv("PRICING_FILE"),

		APIAddr:        getenv("API_ADDR", ":8443"),
		GRPCHealthAddr: os.Getenv("GRPC_HEALTH_ADDR"),
		TLSCert:        os.Getenv("API_TLS_CERT"),
		TLSKey:         os.Getenv("API_TLS_KEY"),
		TLSCA:          os.Getenv("API_TLS_CA"),
		IPAllowlist:    splitList(os.Getenv("API_IP_ALLOWLIST")),

		TokenIssuer:         getenv("TOKEN_ISSUER", "teller-assist"),
		OAuthClientsFile:    os.Getenv("OAUTH_CLIENTS_FILE"),
		OAuthSigningKeyFile: os.Getenv("OAUTH_SIGNING_KEY_FILE"),

		AuditLogFile: os.Getenv("AUDIT_LOG_FILE"),
	}

	var err error
	if cfg.PricingCacheTTL, err = durationEnv("PRICING_CACHE_TTL", 5*time.Minute); err != nil {
		bad = append(bad, err.Error())
	}
	if cfg.AccessTokenTTL, err = durationEnv("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		bad = append(bad, err.Error())
	}
	var maxBody int
	if maxBody, err = intEnv("API_MAX_BODY_BYTES", 1<<20); err != nil {
		bad = append(bad, err.Error())
	}
	cfg.MaxBodyBytes = int64(maxBody)
	if cfg.RateLimitCapacity, err = intEnv("API_RATE_LIMIT_CAPACITY", 20); err != nil {
		bad = append(bad, err.Error())
	}
	if cfg.RateLimitRefillPerSec, err = floatEnv("API_RATE_LIMIT_REFILL_PER_SEC", 10); err != nil {
		bad = append(bad, err.Error())
	}
	if len(bad) > 0 {
		return nil, errors.New("invalid environment variables: " + strings.Join(bad, "; "))
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverSQLite
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the stricter production rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	switch c.PricingSource {
	case PricingStatic:
	case PricingFile:
		if c.PricingFile == "" {
			missing = append(missing, "PRICING_FILE")
		}
	case PricingPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("PRICING_SOURCE must be static, file or postgres, got %q", c.PricingSource)
	}

	// Without Postgres the clients can only come from a file.
	if c.StoreDriver != DriverPostgres && c.OAuthClientsFile == "" {
		missing = append(missing, "OAUTH_CLIENTS_FILE")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(dedupe(missing), ", "))
	}

	if c.IsProduction() {
		if c.StoreDriver != DriverPostgres {
			return errors.New("STORE_DRIVER must be postgres in " + c.Environment)
		}
		for name, v := range map[string]string{
			"API_TLS_CERT":           c.TLSCert,
			"API_TLS_KEY":            c.TLSKey,
			"API_TLS_CA":             c.TLSCA,
			"OAUTH_SIGNING_KEY_FILE": c.OAuthSigningKeyFile,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("API_TLS_CERT and API_TLS_KEY must be set together")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("API_MAX_BODY_BYTES must be positive")
	}
	if c.RateLimitCapacity < 0 || c.RateLimitRefillPerSec < 0 {
		return errors.New("rate limit settings must not be negative")
	}
	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return i, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return f, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}


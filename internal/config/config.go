// Package config provides environment-aware configuration for the execution
// core: the venue roster, risk limits, WAL/policy paths, and the ambient
// ports/timeouts the rest of the stack needs at boot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	execruntime "github.com/r3e-network/execution-core/internal/runtime"
	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// VenueConfig describes one configured trading venue.
type VenueConfig struct {
	Name        string
	Kind        string // "sim" or "onchain"
	Endpoint    string
	APIKeyEnv   string
	RateLimitRPS float64
	RateLimitBurst int
}

// Config holds all execution-core configuration, loaded from the
// environment (with an optional env-file per deployment stage).
type Config struct {
	Env Environment

	// Trust boundary (§4.1 Gatekeeper).
	HMACSecretEnv    string
	PolicyPath       string
	PolicyGraceWindow time.Duration
	MaxClockSkew     time.Duration
	NonceWindow      time.Duration

	// Venues.
	Venues []VenueConfig

	// ShadowState + WAL (§4.4, §6).
	WalDir            string
	WalRollBytes      int64
	SnapshotInterval  time.Duration
	GroupCommitWindow time.Duration

	// RiskGuard defaults, overridden per-policy at runtime (§4.2).
	StalenessLimit       time.Duration
	SlippageHardLimitBps int64
	DailyLossLimit       string // fixed-point decimal string, parsed by caller
	AccountMaxLeverage   string
	HeartbeatTimeout     time.Duration

	// Reconciler (§4.5).
	ReconcileInterval time.Duration

	// Event/intent bus (§6).
	DatabaseDSN   string
	IntentChannel string
	EventChannel  string

	// Tick cache.
	RedisAddr string
	RedisDB   int

	// Read model.
	ReadModelDSN       string
	ReadModelMigrateDir string

	// Operator HTTP surface.
	OperatorPort   int
	OperatorJWTTTL time.Duration

	// Ambient.
	LogLevel  string
	LogFormat string

	MetricsEnabled bool
	MetricsPort    int

	// Azure Key Vault secrets source (falls back to env when unset).
	KeyVaultURL string
}

// Load loads configuration based on the EXEC_ENV environment variable,
// optionally sourcing defaults from config/<env>.env.
func Load() (*Config, error) {
	envStr := os.Getenv("EXEC_ENV")
	if envStr == "" {
		envStr = string(execruntime.Development)
	}

	parsedEnv, ok := execruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid EXEC_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var err error

	c.HMACSecretEnv = getEnv("EXEC_HMAC_SECRET_ENV", "EXEC_HMAC_SECRET")
	c.PolicyPath = getEnv("EXEC_POLICY_PATH", "config/risk_policy.json")
	c.PolicyGraceWindow, err = parseDurationEnv("EXEC_POLICY_GRACE_WINDOW", "30s")
	if err != nil {
		return err
	}
	c.MaxClockSkew, err = parseDurationEnv("EXEC_MAX_CLOCK_SKEW", "2s")
	if err != nil {
		return err
	}
	c.NonceWindow, err = parseDurationEnv("EXEC_NONCE_WINDOW", "5m")
	if err != nil {
		return err
	}

	c.Venues = parseVenues(getEnv("EXEC_VENUES", "sim:sim:local"))

	c.WalDir = getEnv("EXEC_WAL_DIR", "data/wal")
	c.WalRollBytes = getInt64Env("EXEC_WAL_ROLL_BYTES", 64*1024*1024)
	c.SnapshotInterval, err = parseDurationEnv("EXEC_SNAPSHOT_INTERVAL", "5m")
	if err != nil {
		return err
	}
	c.GroupCommitWindow, err = parseDurationEnv("EXEC_GROUP_COMMIT_WINDOW", "5ms")
	if err != nil {
		return err
	}

	c.StalenessLimit, err = parseDurationEnv("EXEC_STALENESS_LIMIT", "2s")
	if err != nil {
		return err
	}
	c.SlippageHardLimitBps = int64(getIntEnv("EXEC_SLIPPAGE_HARD_LIMIT_BPS", 50))
	c.DailyLossLimit = getEnv("EXEC_DAILY_LOSS_LIMIT", "10000")
	c.AccountMaxLeverage = getEnv("EXEC_ACCOUNT_MAX_LEVERAGE", "5")
	c.HeartbeatTimeout, err = parseDurationEnv("EXEC_HEARTBEAT_TIMEOUT", "3s")
	if err != nil {
		return err
	}

	c.ReconcileInterval, err = parseDurationEnv("EXEC_RECONCILE_INTERVAL", "60s")
	if err != nil {
		return err
	}

	c.DatabaseDSN = getEnv("EXEC_DATABASE_DSN", "")
	c.IntentChannel = getEnv("EXEC_INTENT_CHANNEL", "exec_intent")
	c.EventChannel = getEnv("EXEC_EVENT_CHANNEL", "exec_event")

	c.RedisAddr = getEnv("EXEC_REDIS_ADDR", "localhost:6379")
	c.RedisDB = getIntEnv("EXEC_REDIS_DB", 0)

	c.ReadModelDSN = getEnv("EXEC_READMODEL_DSN", c.DatabaseDSN)
	c.ReadModelMigrateDir = getEnv("EXEC_READMODEL_MIGRATIONS_DIR", "migrations")

	c.OperatorPort = getIntEnv("EXEC_OPERATOR_PORT", 8090)
	c.OperatorJWTTTL, err = parseDurationEnv("EXEC_OPERATOR_JWT_TTL", "15m")
	if err != nil {
		return err
	}

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	c.KeyVaultURL = getEnv("EXEC_KEYVAULT_URL", "")

	return nil
}

func parseVenues(raw string) []VenueConfig {
	var venues []VenueConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		v := VenueConfig{Name: parts[0], Kind: "sim", RateLimitRPS: 10, RateLimitBurst: 5}
		if len(parts) > 1 {
			v.Kind = parts[1]
		}
		if len(parts) > 2 {
			v.Endpoint = parts[2]
		}
		v.APIKeyEnv = "EXEC_VENUE_" + strings.ToUpper(v.Name) + "_API_KEY"
		venues = append(venues, v)
	}
	return venues
}

// IsDevelopment reports whether the environment is development.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting reports whether the environment is testing.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate checks cross-field invariants and production-only requirements.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured (EXEC_VENUES)")
	}
	if c.WalDir == "" {
		return fmt.Errorf("EXEC_WAL_DIR must not be empty")
	}
	if c.OperatorPort < 1024 || c.OperatorPort > 65535 {
		return fmt.Errorf("invalid EXEC_OPERATOR_PORT: %d", c.OperatorPort)
	}
	if c.IsProduction() {
		if os.Getenv(c.HMACSecretEnv) == "" && c.KeyVaultURL == "" {
			return fmt.Errorf("production requires %s or EXEC_KEYVAULT_URL to be set", c.HMACSecretEnv)
		}
		if c.DatabaseDSN == "" {
			return fmt.Errorf("EXEC_DATABASE_DSN is required in production")
		}
	}
	return nil
}

// Helper functions, matching the teacher's env-or-default style.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseDurationEnv(key, defaultValue string) (time.Duration, error) {
	raw := getEnv(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the webhook service reads at startup
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	MetricsPort string `mapstructure:"METRICS_PORT"`

	StripeSecretKey          string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret      string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeSignatureScheme    string        `mapstructure:"STRIPE_SIGNATURE_SCHEME"`
	StripeSignatureTolerance time.Duration `mapstructure:"STRIPE_SIGNATURE_TOLERANCE"`

	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	DatabaseServiceRoleKey string `mapstructure:"DATABASE_SERVICE_ROLE_KEY"`
	DBMaxConns             int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32  `mapstructure:"DB_MIN_CONNS"`
	AutoMigrate            bool   `mapstructure:"AUTO_MIGRATE"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	EventLedgerTTL time.Duration `mapstructure:"EVENT_LEDGER_TTL"`

	PlanMappingRaw   string `mapstructure:"PLAN_MAPPING"`
	DefaultPlan      string `mapstructure:"DEFAULT_PLAN"`
	WebhookRateLimit int    `mapstructure:"WEBHOOK_RATE_LIMIT"`

	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogFormat       string        `mapstructure:"LOG_FORMAT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// PlanMapping is PLAN_MAPPING parsed into price ID -> plan
	PlanMapping map[string]string `mapstructure:"-"`
}

var keys = []string{
	"SERVER_PORT",
	"METRICS_PORT",
	"STRIPE_SECRET_KEY",
	"STRIPE_WEBHOOK_SECRET",
	"STRIPE_SIGNATURE_SCHEME",
	"STRIPE_SIGNATURE_TOLERANCE",
	"DATABASE_URL",
	"DATABASE_SERVICE_ROLE_KEY",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTO_MIGRATE",
	"AUTH_JWT_SECRET",
	"REDIS_URL",
	"EVENT_LEDGER_TTL",
	"PLAN_MAPPING",
	"DEFAULT_PLAN",
	"WEBHOOK_RATE_LIMIT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"SHUTDOWN_TIMEOUT",
}

// Load reads configuration from the environment. A .env file in dir is
// loaded first when present; variables already set in the environment win.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("STRIPE_SIGNATURE_SCHEME", "v0")
	v.SetDefault("STRIPE_SIGNATURE_TOLERANCE", 30*time.Minute)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTO_MIGRATE", false)
	v.SetDefault("EVENT_LEDGER_TTL", 72*time.Hour)
	v.SetDefault("DEFAULT_PLAN", "basic")
	v.SetDefault("WEBHOOK_RATE_LIMIT", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)

	// Unmarshal only sees keys viper knows about
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	planMapping, err := ParsePlanMapping(cfg.PlanMappingRaw)
	if err != nil {
		return nil, err
	}
	cfg.PlanMapping = planMapping

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or invalid setting
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"STRIPE_SECRET_KEY", c.StripeSecretKey},
		{"AUTH_JWT_SECRET", c.AuthJWTSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("missing required environment variable %s", r.name)
		}
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.EventLedgerTTL <= 0 {
		return fmt.Errorf("EVENT_LEDGER_TTL must be positive, got %s", c.EventLedgerTTL)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// ParsePlanMapping parses "price_a=pro,price_b=team" into a price ID to plan map
func ParsePlanMapping(raw string) (map[string]string, error) {
	mapping := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		priceID, plan, ok := strings.Cut(entry, "=")
		priceID = strings.TrimSpace(priceID)
		plan = strings.TrimSpace(plan)
		if !ok || priceID == "" || plan == "" {
			return nil, fmt.Errorf("invalid PLAN_MAPPING entry %q: want price_id=plan", entry)
		}
		if _, exists := mapping[priceID]; exists {
			return nil, fmt.Errorf("duplicate PLAN_MAPPING entry for %q", priceID)
		}
		mapping[priceID] = plan
	}
	return mapping, nil
}

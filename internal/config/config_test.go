package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key; viper treats empty values as unset
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/paywebhook")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.Equal(t, "v0", cfg.StripeSignatureScheme)
	assert.Equal(t, 30*time.Minute, cfg.StripeSignatureTolerance)
	assert.Equal(t, 72*time.Hour, cfg.EventLedgerTTL)
	assert.Equal(t, "basic", cfg.DefaultPlan)
	assert.Equal(t, 100, cfg.WebhookRateLimit)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, int32(2), cfg.DBMinConns)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.PlanMapping)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("SERVER_PORT", "3000")
	t.Setenv("STRIPE_SIGNATURE_SCHEME", "v1")
	t.Setenv("STRIPE_SIGNATURE_TOLERANCE", "5m")
	t.Setenv("EVENT_LEDGER_TTL", "24h")
	t.Setenv("DB_MAX_CONNS", "20")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("WEBHOOK_RATE_LIMIT", "-1")
	t.Setenv("PLAN_MAPPING", "price_pro=pro, price_team=team")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.ServerPort)
	assert.Equal(t, "v1", cfg.StripeSignatureScheme)
	assert.Equal(t, 5*time.Minute, cfg.StripeSignatureTolerance)
	assert.Equal(t, 24*time.Hour, cfg.EventLedgerTTL)
	assert.Equal(t, int32(20), cfg.DBMaxConns)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, -1, cfg.WebhookRateLimit)
	assert.Equal(t, map[string]string{"price_pro": "pro", "price_team": "team"}, cfg.PlanMapping)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, missing := range []string{"DATABASE_URL", "STRIPE_SECRET_KEY", "AUTH_JWT_SECRET"} {
		t.Run(missing, func(t *testing.T) {
			clearEnv(t)
			setRequired(t)
			t.Setenv(missing, "")

			_, err := Load(t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), missing)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"pool min above max", "DB_MIN_CONNS", "50"},
		{"zero ledger ttl", "EVENT_LEDGER_TTL", "0s"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"bad plan mapping", "PLAN_MAPPING", "price_pro"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("SERVER_PORT", "4000")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SERVER_PORT=5000\nDEFAULT_PLAN=starter\n"), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	// variables already present in the environment, even blank, are not overwritten
	assert.Equal(t, "4000", cfg.ServerPort)
	assert.Equal(t, "basic", cfg.DefaultPlan)
}

func TestParsePlanMapping(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{"empty", "", map[string]string{}, false},
		{"single", "price_pro=pro", map[string]string{"price_pro": "pro"}, false},
		{"spaces and trailing comma", " price_a = a , price_b=b, ", map[string]string{"price_a": "a", "price_b": "b"}, false},
		{"default key", "*=basic", map[string]string{"*": "basic"}, false},
		{"missing plan", "price_a=", nil, true},
		{"missing separator", "price_a", nil, true},
		{"duplicate", "price_a=a,price_a=b", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlanMapping(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

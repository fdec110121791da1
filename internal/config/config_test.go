// AngelaMos | 2026
// config_test.go

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/entitlements"
identity:
  public_key_path: "keys/idp.pem"
`)

	c, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, c.Database.Driver)
	assert.Equal(t, CacheMemory, c.Cache.Backend)
	assert.Equal(t, 2*time.Minute, c.Cache.StatusTTL)
	assert.Equal(t, time.Minute, c.Cache.DecisionTTL)
	assert.Equal(t, 3, c.Retry.MaxRetries)
	assert.Equal(t, time.Second, c.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, c.Retry.MaxDelay)
	assert.InDelta(t, 2.0, c.Retry.BackoffFactor, 0.0001)
	assert.Equal(t, 2, c.Entitlement.FreeLimit)
	assert.Equal(t, 5*time.Second, c.Entitlement.RequestTimeout)
	assert.Equal(t, "@every 5m", c.Billing.ExpirySchedule)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/entitlements"
identity:
  public_key_path: "keys/idp.pem"
`)
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file:test.db")
	t.Setenv("FREE_LIMIT", "5")
	t.Setenv("CACHE_STATUS_TTL", "30s")

	c, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, c.Database.Driver)
	assert.Equal(t, "file:test.db", c.Database.URL)
	assert.Equal(t, 5, c.Entitlement.FreeLimit)
	assert.Equal(t, 30*time.Second, c.Cache.StatusTTL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:    DatabaseConfig{Driver: DriverPostgres, URL: "postgres://x"},
			Cache:       CacheConfig{Backend: CacheMemory, MaxEntries: 10, StatusTTL: time.Minute, DecisionTTL: time.Minute},
			Retry:       RetryConfig{MaxRetries: 3, BackoffFactor: 2},
			Entitlement: EntitlementConfig{FreeLimit: 2, RequestTimeout: time.Second},
			Identity:    IdentityConfig{JWKSURL: "https://idp.example.com/.well-known/jwks.json"},
			Server:      ServerConfig{ReadTimeout: time.Second, WriteTimeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "redis backend without url",
			mutate:  func(c *Config) { c.Cache.Backend = CacheRedis },
			wantErr: "REDIS_URL",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Retry.MaxRetries = 0 },
			wantErr: "max_retries",
		},
		{
			name: "no identity key source",
			mutate: func(c *Config) {
				c.Identity = IdentityConfig{}
			},
			wantErr: "IDENTITY_",
		},
		{
			name: "production without webhook secret",
			mutate: func(c *Config) {
				c.App.Environment = "production"
			},
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
		{
			name: "wildcard origin with credentials",
			mutate: func(c *Config) {
				c.CORS = CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true}
			},
			wantErr: "CORS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := validate(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

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
	path := filepath.Join(t.TempDir(), "planner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Ordering.MaxAttempts)
	assert.False(t, cfg.Redis.Enabled())
	assert.Less(t, cfg.Redis.ClaimTTL, cfg.Redis.KeyTTL)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
store:
  driver: postgres
  postgres:
    dsn: postgres://localhost/planner
ordering:
  max_attempts: 8
  base_delay: 5ms
  max_delay: 50ms
redis:
  addr: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, ":50051", cfg.GRPC.Addr, "unset keys keep defaults")
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Ordering.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Ordering.BaseDelay)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PLANNER_STORE_DRIVER", "mysql")
	t.Setenv("PLANNER_MYSQL_DSN", "root:root@tcp(localhost:3306)/planner")
	t.Setenv("PLANNER_TRACING_ENABLED", "true")
	t.Setenv("PLANNER_ORDERING_MAX_ATTEMPTS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, cfg.Store.Driver)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 3, cfg.Ordering.MaxAttempts)
}

func TestEffectiveOrdering_PerDriver(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Ordering, cfg.EffectiveOrdering())

	cfg.Store.Driver = DriverDynamoDB
	got := cfg.EffectiveOrdering()
	assert.Equal(t, cfg.Store.DynamoDB.Ordering, got)
	assert.Greater(t, got.MaxAttempts, cfg.Ordering.MaxAttempts)
}

func TestLoad_EnvAttemptsFollowDriver(t *testing.T) {
	t.Setenv("PLANNER_STORE_DRIVER", "dynamodb")
	t.Setenv("PLANNER_ORDERING_MAX_ATTEMPTS", "90")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.EffectiveOrdering().MaxAttempts)
	assert.Equal(t, 5, cfg.Ordering.MaxAttempts)
}

func TestLoad_BadEnvBool(t *testing.T) {
	t.Setenv("PLANNER_TRACING_ENABLED", "sometimes")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"zero attempts", func(c *Config) { c.Ordering.MaxAttempts = 0 }},
		{"inverted delays", func(c *Config) { c.Ordering.MaxDelay = time.Microsecond }},
		{"no listeners", func(c *Config) { c.HTTP.Addr, c.GRPC.Addr = "", "" }},
		{"dynamodb zero attempts", func(c *Config) {
			c.Store.Driver = DriverDynamoDB
			c.Store.DynamoDB.Ordering.MaxAttempts = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// Package config loads the planner server configuration from YAML with
// PLANNER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverDynamoDB = "dynamodb"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Ordering OrderingConfig `yaml:"ordering"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Migrate applies the schema (or creates DynamoDB tables) on startup.
	Migrate  bool           `yaml:"migrate"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

type DynamoDBConfig struct {
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	PlansTable string `yaml:"plans_table"`
	ItemsTable string `yaml:"items_table"`
	// Ordering replaces the top-level ordering section for this driver.
	// Position races resolve through cancelled transactions instead of row
	// locks, so appends need a deeper budget.
	Ordering OrderingConfig `yaml:"ordering"`
}

// RedisConfig enables request-key idempotency when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
	// ClaimTTL is how long an in-flight request key blocks replays before
	// its append completes.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// OrderingConfig bounds the position retry loop.
type OrderingConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is "stdout", "stderr" or a file path.
	Output string `yaml:"output"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		GRPC: GRPCConfig{Addr: ":50051"},
		Store: StoreConfig{
			Driver:  DriverSQLite,
			Migrate: true,
			SQLite:  SQLiteConfig{Path: "data/planner.db", BusyTimeout: 5 * time.Second},
			Postgres: PostgresConfig{
				MaxConns: 20,
			},
			DynamoDB: DynamoDBConfig{
				Region:     "us-east-1",
				PlansTable: "planner-plans",
				ItemsTable: "planner-items",
				Ordering: OrderingConfig{
					MaxAttempts: 64,
					BaseDelay:   5 * time.Millisecond,
					MaxDelay:    200 * time.Millisecond,
				},
			},
		},
		Redis: RedisConfig{KeyTTL: 24 * time.Hour, ClaimTTL: 30 * time.Second},
		Ordering: OrderingConfig{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Millisecond,
			MaxDelay:    25 * time.Millisecond,
		},
		Log:     LogConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracing: TracingConfig{ServiceName: "travel-planner"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"PLANNER_HTTP_ADDR":         &c.HTTP.Addr,
		"PLANNER_GRPC_ADDR":         &c.GRPC.Addr,
		"PLANNER_STORE_DRIVER":      &c.Store.Driver,
		"PLANNER_SQLITE_PATH":       &c.Store.SQLite.Path,
		"PLANNER_POSTGRES_DSN":      &c.Store.Postgres.DSN,
		"PLANNER_MYSQL_DSN":         &c.Store.MySQL.DSN,
		"PLANNER_DYNAMODB_REGION":   &c.Store.DynamoDB.Region,
		"PLANNER_DYNAMODB_ENDPOINT": &c.Store.DynamoDB.Endpoint,
		"PLANNER_REDIS_ADDR":        &c.Redis.Addr,
		"PLANNER_REDIS_PASSWORD":    &c.Redis.Password,
		"PLANNER_LOG_LEVEL":         &c.Log.Level,
		"PLANNER_LOG_FORMAT":        &c.Log.Format,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"PLANNER_STORE_MIGRATE":   &c.Store.Migrate,
		"PLANNER_TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for key, dst := range bools {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := strings.TrimSpace(os.Getenv("PLANNER_ORDERING_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLANNER_ORDERING_MAX_ATTEMPTS: %w", err)
		}
		c.ordering().MaxAttempts = n
	}
	return nil
}

// EffectiveOrdering is the retry budget for the selected store driver.
func (c Config) EffectiveOrdering() OrderingConfig {
	return *c.ordering()
}

func (c *Config) ordering() *OrderingConfig {
	if c.Store.Driver == DriverDynamoDB {
		return &c.Store.DynamoDB.Ordering
	}
	return &c.Ordering
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required"))
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	case DriverMySQL:
		if c.Store.MySQL.DSN == "" {
			errs = append(errs, errors.New("store.mysql.dsn is required"))
		}
	case DriverDynamoDB:
		if c.Store.DynamoDB.PlansTable == "" || c.Store.DynamoDB.ItemsTable == "" {
			errs = append(errs, errors.New("store.dynamodb table names are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if o := c.ordering(); o.MaxAttempts < 1 {
		errs = append(errs, errors.New("ordering.max_attempts must be at least 1"))
	} else if o.MaxDelay < o.BaseDelay {
		errs = append(errs, errors.New("ordering.max_delay must not be below base_delay"))
	}
	if c.HTTP.Addr == "" && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("at least one of http.addr and grpc.addr is required"))
	}
	return errors.Join(errs...)
}

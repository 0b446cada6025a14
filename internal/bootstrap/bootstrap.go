// Package bootstrap turns configuration into wired adapters for the server
// and stress binaries.
package bootstrap

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rl1809/travel-planner/internal/adapter/storage"
	"github.com/rl1809/travel-planner/internal/config"
	"github.com/rl1809/travel-planner/internal/core/service"
	"github.com/rl1809/travel-planner/internal/port"
)

// Store is an opened storage backend together with its schema and close
// hooks.
type Store struct {
	port.DatabaseRepository
	Driver  string
	migrate func(ctx context.Context) error
	close   func() error
}

// Migrate creates the schema (SQL) or tables (DynamoDB) if missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStore connects to the backend named by cfg.Driver and, when
// cfg.Migrate is set, applies its schema.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil && cfg.Driver != config.DriverDynamoDB {
		store.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
		}
	}
	return store, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLite.Path, cfg.SQLite.BusyTimeout)
		if err != nil {
			return nil, err
		}
		a := storage.NewSQLiteAdapter(db)
		return &Store{DatabaseRepository: a, Driver: cfg.Driver, migrate: a.Migrate, close: a.Close}, nil

	case config.DriverMySQL:
		db, err := storage.OpenMySQL(cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		a := storage.NewMySQLAdapter(db)
		return &Store{DatabaseRepository: a, Driver: cfg.Driver, migrate: a.Migrate, close: a.Close}, nil

	case config.DriverPostgres:
		pool, err := storage.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		a := storage.NewPostgresAdapter(pool)
		return &Store{DatabaseRepository: a, Driver: cfg.Driver, migrate: a.Migrate, close: a.Close}, nil

	case config.DriverDynamoDB:
		client, err := storage.NewDynamoDBClient(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Endpoint)
		if err != nil {
			return nil, err
		}
		a := storage.NewDynamoDBAdapter(client, storage.DynamoDBTables{
			Plans: cfg.DynamoDB.PlansTable,
			Items: cfg.DynamoDB.ItemsTable,
		})
		return &Store{DatabaseRepository: a, Driver: cfg.Driver, migrate: a.EnsureTables}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenCache returns the Redis idempotency cache, or a nil repository when
// Redis is not configured.
func OpenCache(ctx context.Context, cfg config.RedisConfig) (port.CacheRepository, func() error, error) {
	if !cfg.Enabled() {
		return nil, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 100,
	})
	adapter := storage.NewRedisAdapter(client).WithTTL(cfg.KeyTTL).WithClaimTTL(cfg.ClaimTTL)
	if err := adapter.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return adapter, client.Close, nil
}

func RetryPolicy(cfg config.OrderingConfig) service.RetryPolicy {
	return service.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

// InitTracing installs a global tracer provider exporting to w. When tracing
// is disabled the no-op global provider is left in place.
func InitTracing(cfg config.TracingConfig, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

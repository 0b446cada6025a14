package bootstrap

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/rl1809/travel-planner/internal/config"
	"github.com/rl1809/travel-planner/internal/testutil"
)

func TestOpenStore_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Store
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "nested", "planner.db")

	store, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	plan := testutil.NewTestPlan("Bootstrapped")
	require.NoError(t, store.CreatePlan(ctx, plan))
	_, err = store.GetPlan(ctx, plan.ID)
	assert.NoError(t, err)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Driver: "cassandra"})
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestOpenCache_Disabled(t *testing.T) {
	cache, closeFn, err := OpenCache(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, cache)
	assert.NoError(t, closeFn())
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy(config.OrderingConfig{MaxAttempts: 7, BaseDelay: time.Millisecond, MaxDelay: 9 * time.Millisecond})
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Millisecond, p.BaseDelay)
	assert.Equal(t, 9*time.Millisecond, p.MaxDelay)
}

func TestInitTracing_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(config.TracingConfig{Enabled: true, ServiceName: "planner-test"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "tracer-smoke")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "tracer-smoke")
}

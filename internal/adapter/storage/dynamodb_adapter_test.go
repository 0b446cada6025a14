package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/travel-planner/internal/config"
	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/core/service"
	"github.com/rl1809/travel-planner/internal/testutil"
)

func getDynamoDBAdapter(t *testing.T) *DynamoDBAdapter {
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("DYNAMODB_ENDPOINT not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewDynamoDBClient(ctx, "us-east-1", endpoint)
	if err != nil {
		t.Skipf("DynamoDB not available: %v", err)
	}

	suffix := uuid.NewString()[:8]
	adapter := NewDynamoDBAdapter(client, DynamoDBTables{
		Plans: "plans-" + suffix,
		Items: "items-" + suffix,
	})
	if err := adapter.EnsureTables(ctx); err != nil {
		t.Skipf("DynamoDB not available: %v", err)
	}
	t.Cleanup(func() { _ = adapter.DropTables(context.Background()) })
	return adapter
}

func TestDynamoDBAdapter_Conformance(t *testing.T) {
	adapter := getDynamoDBAdapter(t)

	// Run with the retry budget the server ships for this driver.
	ordering := config.Default().Store.DynamoDB.Ordering
	testutil.RunStoreConformance(t, adapter, testutil.ConformanceOptions{
		Appends: 50,
		Retry: service.RetryPolicy{
			MaxAttempts: ordering.MaxAttempts,
			BaseDelay:   ordering.BaseDelay,
			MaxDelay:    ordering.MaxDelay,
		},
	})
}

// An item delete followed by an append leaves item_count where it was; the
// cascade collected before both must still be rejected.
func TestDynamoDBAdapter_CascadeRejectsDeleteThenAppend(t *testing.T) {
	ctx := context.Background()
	adapter := getDynamoDBAdapter(t)

	plan := testutil.NewTestPlan("Baltics")
	require.NoError(t, adapter.CreatePlan(ctx, plan))
	first := testutil.NewTestItem(plan.ID, "Riga")
	_, err := adapter.InsertNextItem(ctx, first)
	require.NoError(t, err)
	_, err = adapter.InsertNextItem(ctx, testutil.NewTestItem(plan.ID, "Tallinn"))
	require.NoError(t, err)

	c, err := adapter.collectCascade(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, c.positions)

	require.NoError(t, adapter.DeleteItem(ctx, first.ID))
	pos, err := adapter.InsertNextItem(ctx, testutil.NewTestItem(plan.ID, "Vilnius"))
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	got, err := adapter.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ItemCount)

	err = adapter.commitCascade(ctx, c)
	require.Error(t, err)
	assert.True(t, isTransactionRace(err))
	assert.Equal(t, []int{2, 3}, positionsOf(t, adapter, plan.ID))

	removed, err := adapter.DeletePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, positionsOf(t, adapter, plan.ID))
}

func TestDynamoDBAdapter_CascadeTooLarge(t *testing.T) {
	ctx := context.Background()
	adapter := getDynamoDBAdapter(t)

	plan := testutil.NewTestPlan("Grand tour")
	require.NoError(t, adapter.CreatePlan(ctx, plan))
	for i := 0; i < maxCascadeItems+1; i++ {
		_, err := adapter.InsertNextItem(ctx, testutil.NewTestItem(plan.ID, fmt.Sprintf("Stop %d", i)))
		require.NoError(t, err)
	}

	_, err := adapter.DeletePlan(ctx, plan.ID)
	assert.ErrorIs(t, err, domain.ErrCascadeTooLarge)

	got, err := adapter.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)
}

func TestDynamoDBAdapter_RejectsStartAfterStoredEnd(t *testing.T) {
	ctx := context.Background()
	adapter := getDynamoDBAdapter(t)

	plan := testutil.NewTestPlan("Andes", testutil.WithDates(testutil.Date(2026, 2, 1), testutil.Date(2026, 2, 5)))
	require.NoError(t, adapter.CreatePlan(ctx, plan))

	start := testutil.Date(2026, 2, 9)
	_, err := adapter.UpdatePlan(ctx, plan.ID, 1, domain.PlanPatch{StartDate: &start}, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)
}

func TestExpression_OrderedPair(t *testing.T) {
	lo := testutil.Date(2026, 3, 1)

	expr := newExpression()
	expr.orderedPair("start_date", "end_date", &lo, nil)
	require.Len(t, expr.conds, 1)
	assert.Equal(t, "attribute_not_exists(#end_date) OR #end_date >= :start_date", expr.conds[0])
	assert.Equal(t, "end_date", expr.names["#end_date"])

	both := newExpression()
	both.orderedPair("start_date", "end_date", &lo, &lo)
	assert.Empty(t, both.conds)
}

func TestDynamoTime_SortsLexically(t *testing.T) {
	early := dynamoTime(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	late := dynamoTime(time.Date(2026, 1, 1, 10, 0, 0, 5, time.UTC))
	assert.Less(t, early, late)
	assert.Len(t, early, len(late))
}

func positionsOf(t *testing.T, adapter *DynamoDBAdapter, planID string) []int {
	t.Helper()
	items, err := adapter.ListItems(context.Background(), planID)
	require.NoError(t, err)
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.Position)
	}
	return out
}

package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/core/service"
	"github.com/rl1809/travel-planner/internal/port"
)

type ConformanceOptions struct {
	// Appends is the number of concurrent appends raced onto one plan.
	Appends int
	// Writers is the number of concurrent same-version updates.
	Writers int
	// Retry is handed to the ItemService driving concurrent appends. Backends
	// without row locks need a larger budget than the default.
	Retry service.RetryPolicy
}

func (o ConformanceOptions) withDefaults() ConformanceOptions {
	if o.Appends == 0 {
		o.Appends = 50
	}
	if o.Writers == 0 {
		o.Writers = 10
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = service.DefaultRetryPolicy()
	}
	return o
}

// RunStoreConformance checks the version, ordering and cascade guarantees
// every port.DatabaseRepository must provide.
func RunStoreConformance(t *testing.T, store port.DatabaseRepository, opts ConformanceOptions) {
	opts = opts.withDefaults()

	t.Run("CreateAndGetPlan", func(t *testing.T) { testCreateAndGetPlan(t, store) })
	t.Run("UpdatePlanBumpsVersion", func(t *testing.T) { testUpdatePlanBumpsVersion(t, store) })
	t.Run("UpdatePlanNotFound", func(t *testing.T) { testUpdatePlanNotFound(t, store) })
	t.Run("UpdatePlanRejectsMergedDates", func(t *testing.T) { testUpdatePlanRejectsMergedDates(t, store) })
	t.Run("ConcurrentUpdatesOneWinner", func(t *testing.T) { testConcurrentUpdatesOneWinner(t, store, opts.Writers) })
	t.Run("ConcurrentAppendsContiguous", func(t *testing.T) { testConcurrentAppends(t, store, opts) })
	t.Run("ExplicitPositionTaken", func(t *testing.T) { testExplicitPositionTaken(t, store) })
	t.Run("InsertIntoMissingPlan", func(t *testing.T) { testInsertIntoMissingPlan(t, store) })
	t.Run("DeleteItemLeavesGap", func(t *testing.T) { testDeleteItemLeavesGap(t, store) })
	t.Run("UpdateItemKeepsPosition", func(t *testing.T) { testUpdateItemKeepsPosition(t, store) })
	t.Run("DeletePlanCascades", func(t *testing.T) { testDeletePlanCascades(t, store) })
	t.Run("CascadeInvisibleToReaders", func(t *testing.T) { testCascadeInvisibleToReaders(t, store) })
	t.Run("CascadeRacingWriters", func(t *testing.T) { testCascadeRacingWriters(t, store, opts) })
	t.Run("ListPlansCountsItems", func(t *testing.T) { testListPlansCountsItems(t, store) })
}

func seedPlan(t *testing.T, store port.DatabaseRepository, opts ...PlanOption) domain.Plan {
	t.Helper()
	plan := NewTestPlan("Trip", opts...)
	require.NoError(t, store.CreatePlan(context.Background(), plan))
	return plan
}

func appendItems(t *testing.T, store port.DatabaseRepository, planID string, n int) []domain.Item {
	t.Helper()
	items := make([]domain.Item, 0, n)
	for i := 0; i < n; i++ {
		item := NewTestItem(planID, fmt.Sprintf("Stop %d", i+1))
		pos, err := store.InsertNextItem(context.Background(), item)
		require.NoError(t, err)
		item.Position = pos
		items = append(items, item)
	}
	return items
}

func positionsOf(t *testing.T, store port.DatabaseRepository, planID string) []int {
	t.Helper()
	items, err := store.ListItems(context.Background(), planID)
	require.NoError(t, err)
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.Position)
	}
	return out
}

func testCreateAndGetPlan(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store,
		WithDates(Date(2026, 4, 1), Date(2026, 4, 9)),
		WithBudget(250_000),
		WithCurrency("EUR"),
		WithDescription("spring"),
		WithPublic(),
	)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Title, got.Title)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, domain.InitialVersion, got.Version)
	assert.True(t, got.IsPublic)
	require.NotNil(t, got.Description)
	assert.Equal(t, "spring", *got.Description)
	require.NotNil(t, got.BudgetCents)
	assert.Equal(t, int64(250_000), *got.BudgetCents)
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(Date(2026, 4, 1)))
	assert.WithinDuration(t, plan.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = store.GetPlan(ctx, "no-such-plan")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func testUpdatePlanBumpsVersion(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store)
	title := "Renamed"

	updated, err := store.UpdatePlan(ctx, plan.ID, 1, domain.PlanPatch{Title: &title}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Renamed", updated.Title)

	stale := "Stale"
	_, err = store.UpdatePlan(ctx, plan.ID, 1, domain.PlanPatch{Title: &stale}, time.Now())
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	var conflict *domain.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 2, conflict.Current)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "Renamed", got.Title)
}

func testUpdatePlanNotFound(t *testing.T, store port.DatabaseRepository) {
	title := "x"
	_, err := store.UpdatePlan(context.Background(), "no-such-plan", 1, domain.PlanPatch{Title: &title}, time.Now())
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
	assert.NotErrorIs(t, err, domain.ErrVersionConflict)
}

func testUpdatePlanRejectsMergedDates(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store, WithDates(Date(2026, 6, 10), Date(2026, 6, 20)))
	end := Date(2026, 6, 1)

	_, err := store.UpdatePlan(ctx, plan.ID, 1, domain.PlanPatch{EndDate: &end}, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func testConcurrentUpdatesOneWinner(t *testing.T, store port.DatabaseRepository, writers int) {
	plan := seedPlan(t, store)

	var successCount, conflictCount atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			title := fmt.Sprintf("writer %d", i)
			_, err := store.UpdatePlan(context.Background(), plan.ID, 1, domain.PlanPatch{Title: &title}, time.Now())
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrVersionConflict):
				conflictCount.Add(1)
			default:
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.EqualValues(t, 1, successCount.Load())
	assert.EqualValues(t, writers-1, conflictCount.Load())

	got, err := store.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func testConcurrentAppends(t *testing.T, store port.DatabaseRepository, opts ConformanceOptions) {
	plan := seedPlan(t, store)
	items := service.NewItemService(store, nil, opts.Retry, nil)

	var wg sync.WaitGroup
	errs := make(chan error, opts.Appends)
	for i := 0; i < opts.Appends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := items.AppendItem(context.Background(), plan.ID,
				service.ItemInput{Name: fmt.Sprintf("Stop %d", i)}, service.AppendOptions{})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("append failed: %v", err)
	}

	want := make([]int, opts.Appends)
	for i := range want {
		want[i] = i + 1
	}
	got := positionsOf(t, store, plan.ID)
	sort.Ints(got)
	assert.Equal(t, want, got)
}

func testExplicitPositionTaken(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store)

	require.NoError(t, store.InsertItemAt(ctx, NewTestItem(plan.ID, "first", WithPosition(3))))
	err := store.InsertItemAt(ctx, NewTestItem(plan.ID, "second", WithPosition(3)))
	assert.ErrorIs(t, err, domain.ErrPositionTaken)

	pos, err := store.InsertNextItem(ctx, NewTestItem(plan.ID, "third"))
	require.NoError(t, err)
	assert.Equal(t, 4, pos)
}

func testInsertIntoMissingPlan(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()

	_, err := store.InsertNextItem(ctx, NewTestItem("no-such-plan", "orphan"))
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)

	err = store.InsertItemAt(ctx, NewTestItem("no-such-plan", "orphan", WithPosition(1)))
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func testDeleteItemLeavesGap(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store)
	items := appendItems(t, store, plan.ID, 3)

	require.NoError(t, store.DeleteItem(ctx, items[1].ID))
	assert.Equal(t, []int{1, 3}, positionsOf(t, store, plan.ID))

	pos, err := store.InsertNextItem(ctx, NewTestItem(plan.ID, "after gap"))
	require.NoError(t, err)
	assert.Equal(t, 4, pos)

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	assert.ErrorIs(t, store.DeleteItem(ctx, items[1].ID), domain.ErrItemNotFound)
}

func testUpdateItemKeepsPosition(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store)
	items := appendItems(t, store, plan.ID, 2)
	notes := "closed on mondays"

	updated, err := store.UpdateItem(ctx, items[1].ID, domain.ItemPatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Position)
	require.NotNil(t, updated.Notes)
	assert.Equal(t, notes, *updated.Notes)

	_, err = store.UpdateItem(ctx, "no-such-item", domain.ItemPatch{Notes: &notes})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func testDeletePlanCascades(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store)
	appendItems(t, store, plan.ID, 5)

	removed, err := store.DeletePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	_, err = store.GetPlan(ctx, plan.ID)
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
	assert.Empty(t, positionsOf(t, store, plan.ID))

	_, err = store.DeletePlan(ctx, plan.ID)
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

// testCascadeInvisibleToReaders polls while the plan is deleted: once the plan
// is gone its items must be gone too.
func testCascadeInvisibleToReaders(t *testing.T, store port.DatabaseRepository) {
	ctx := context.Background()
	plan := seedPlan(t, store)
	appendItems(t, store, plan.ID, 10)

	done := make(chan struct{})
	var violations atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			_, err := store.GetPlan(ctx, plan.ID)
			if errors.Is(err, domain.ErrPlanNotFound) {
				items, err := store.ListItems(ctx, plan.ID)
				if err == nil && len(items) > 0 {
					violations.Add(1)
				}
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	_, err := store.DeletePlan(ctx, plan.ID)
	require.NoError(t, err)
	close(done)
	wg.Wait()

	assert.Zero(t, violations.Load(), "reader saw items of a deleted plan")
}

// testCascadeRacingWriters appends and deletes items while the plan is being
// deleted. Nothing may outlive the plan, and every item that existed when the
// cascade committed is counted in its result.
func testCascadeRacingWriters(t *testing.T, store port.DatabaseRepository, opts ConformanceOptions) {
	ctx := context.Background()
	plan := seedPlan(t, store)
	seeded := appendItems(t, store, plan.ID, 6)
	items := service.NewItemService(store, nil, opts.Retry, nil)

	appenders := opts.Appends / 2
	var appended, itemsDeleted atomic.Int32
	errs := make(chan error, appenders+len(seeded))
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := items.AppendItem(ctx, plan.ID,
				service.ItemInput{Name: fmt.Sprintf("Late %d", i)}, service.AppendOptions{})
			switch {
			case err == nil:
				appended.Add(1)
			case errors.Is(err, domain.ErrPlanNotFound):
			default:
				errs <- fmt.Errorf("append: %w", err)
			}
		}(i)
	}
	for _, it := range seeded[:3] {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			err := store.DeleteItem(ctx, id)
			switch {
			case err == nil:
				itemsDeleted.Add(1)
			case errors.Is(err, domain.ErrItemNotFound):
			default:
				errs <- fmt.Errorf("delete item: %w", err)
			}
		}(it.ID)
	}

	close(start)
	var removed int
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		removed, err = store.DeletePlan(ctx, plan.ID)
		if !errors.Is(err, domain.ErrContention) {
			break
		}
	}
	require.NoError(t, err)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	_, err = store.GetPlan(ctx, plan.ID)
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
	assert.Empty(t, positionsOf(t, store, plan.ID), "items outlived their plan")
	assert.Equal(t, len(seeded)+int(appended.Load())-int(itemsDeleted.Load()), removed)
}

func testListPlansCountsItems(t *testing.T, store port.DatabaseRepository) {
	plan := seedPlan(t, store)
	appendItems(t, store, plan.ID, 3)

	plans, err := store.ListPlans(context.Background())
	require.NoError(t, err)

	for _, p := range plans {
		if p.ID == plan.ID {
			assert.Equal(t, 3, p.ItemCount)
			return
		}
	}
	t.Fatalf("plan %s missing from listing", plan.ID)
}

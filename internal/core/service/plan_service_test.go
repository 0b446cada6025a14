package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

func strPtr(s string) *string { return &s }

func TestCreatePlan_DefaultsCurrencyAndVersion(t *testing.T) {
	store := newMockStore()
	svc := NewPlanService(store, nil)

	plan, err := svc.CreatePlan(context.Background(), PlanInput{Title: "  Kyoto  "})
	require.NoError(t, err)

	assert.Equal(t, "Kyoto", plan.Title)
	assert.Equal(t, domain.DefaultCurrency, plan.Currency)
	assert.Equal(t, domain.InitialVersion, plan.Version)
	assert.NotEmpty(t, plan.ID)

	stored, err := store.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, stored.ID)
}

func TestCreatePlan_RejectsInvalidAttributes(t *testing.T) {
	svc := NewPlanService(newMockStore(), nil)
	start := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -2)
	negative := int64(-1)

	cases := map[string]PlanInput{
		"blank title":     {Title: "   "},
		"bad currency":    {Title: "x", Currency: "EURO"},
		"negative budget": {Title: "x", BudgetCents: &negative},
		"reversed dates":  {Title: "x", StartDate: &start, EndDate: &end},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreatePlan(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrInvalidAttributes)
		})
	}
}

func TestUpdatePlan_BumpsVersion(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewPlanService(store, nil)

	updated, err := svc.UpdatePlan(context.Background(), "p1", 1, domain.PlanPatch{Title: strPtr("Osaka")})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Osaka", updated.Title)
}

func TestUpdatePlan_TrimsTitleLikeCreate(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewPlanService(store, nil)

	raw := "  Nara \t"
	updated, err := svc.UpdatePlan(context.Background(), "p1", 1, domain.PlanPatch{Title: &raw})
	require.NoError(t, err)
	assert.Equal(t, "Nara", updated.Title)
	assert.Equal(t, "  Nara \t", raw, "caller's value must not be rewritten")

	stored, err := store.GetPlan(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Nara", stored.Title)
}

func TestUpdatePlan_StaleVersionConflicts(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewPlanService(store, nil)
	ctx := context.Background()

	_, err := svc.UpdatePlan(ctx, "p1", 1, domain.PlanPatch{Title: strPtr("first")})
	require.NoError(t, err)

	_, err = svc.UpdatePlan(ctx, "p1", 1, domain.PlanPatch{Title: strPtr("second")})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	var conflict *domain.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 2, conflict.Current)
	assert.Equal(t, 1, conflict.Expected)

	plan, _ := store.GetPlan(ctx, "p1")
	assert.Equal(t, "first", plan.Title, "losing write must not land")
	assert.Equal(t, 2, plan.Version)
}

func TestUpdatePlan_NotFoundIsNotConflict(t *testing.T) {
	svc := NewPlanService(newMockStore(), nil)

	_, err := svc.UpdatePlan(context.Background(), "missing", 1, domain.PlanPatch{Title: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
	assert.NotErrorIs(t, err, domain.ErrVersionConflict)
}

func TestUpdatePlan_ValidatesBeforeWriting(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewPlanService(store, nil)
	ctx := context.Background()

	_, err := svc.UpdatePlan(ctx, "p1", 0, domain.PlanPatch{Title: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)

	_, err = svc.UpdatePlan(ctx, "p1", 1, domain.PlanPatch{})
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)

	_, err = svc.UpdatePlan(ctx, "p1", 1, domain.PlanPatch{Title: strPtr(" ")})
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)

	plan, _ := store.GetPlan(ctx, "p1")
	assert.Equal(t, 1, plan.Version)
}

func TestUpdatePlan_ConcurrentSameVersionOneWinner(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewPlanService(store, nil)

	const writers = 20
	var successCount, conflictCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpdatePlan(context.Background(), "p1", 1, domain.PlanPatch{Title: strPtr("racer")})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrVersionConflict):
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successCount.Load())
	assert.EqualValues(t, writers-1, conflictCount.Load())

	plan, _ := store.GetPlan(context.Background(), "p1")
	assert.Equal(t, 2, plan.Version)
}

func TestDeletePlan_ReportsRemovedItems(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	items := NewItemService(store, nil, DefaultRetryPolicy(), nil)
	plans := NewPlanService(store, nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := items.AppendItem(ctx, "p1", ItemInput{Name: name}, AppendOptions{})
		require.NoError(t, err)
	}

	removed, err := plans.DeletePlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Empty(t, store.positions("p1"))

	_, err = plans.DeletePlan(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

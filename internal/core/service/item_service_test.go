package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Microsecond, MaxDelay: 10 * time.Microsecond}
}

func TestAppendItem_AssignsNextPosition(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)
	ctx := context.Background()

	first, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "Fushimi Inari"}, AppendOptions{})
	require.NoError(t, err)
	second, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "Kinkaku-ji"}, AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
}

func TestAppendItem_UnknownPlan(t *testing.T) {
	svc := NewItemService(newMockStore(), nil, fastRetry(), nil)

	_, err := svc.AppendItem(context.Background(), "missing", ItemInput{Name: "x"}, AppendOptions{})
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestAppendItem_RetriesPositionTaken(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	store.collisions = 3
	svc := NewItemService(store, nil, fastRetry(), nil)

	item, err := svc.AppendItem(context.Background(), "p1", ItemInput{Name: "x"}, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, item.Position)
	assert.Equal(t, 4, store.insertCalls)
}

func TestAppendItem_ExhaustedRetriesIsOrderingConflict(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	store.collisions = 100
	svc := NewItemService(store, nil, fastRetry(), nil)

	_, err := svc.AppendItem(context.Background(), "p1", ItemInput{Name: "x"}, AppendOptions{})
	require.ErrorIs(t, err, domain.ErrOrderingConflict)
	assert.NotErrorIs(t, err, domain.ErrPositionTaken)

	var conflict *domain.OrderingConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 5, conflict.Attempts)
	assert.Equal(t, 5, store.insertCalls)
	assert.Empty(t, store.positions("p1"))
}

func TestAppendItem_RetryHonoursCancellation(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	store.collisions = 100
	svc := NewItemService(store, nil, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "x"}, AppendOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAppendItem_ExplicitPosition(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)
	ctx := context.Background()

	item, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "x"}, AppendOptions{Position: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, item.Position)

	_, err = svc.AppendItem(ctx, "p1", ItemInput{Name: "y"}, AppendOptions{Position: 7})
	assert.ErrorIs(t, err, domain.ErrPositionTaken)
	assert.NotErrorIs(t, err, domain.ErrOrderingConflict)

	next, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "z"}, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, next.Position)
}

func TestAppendItem_ValidatesInput(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)
	lat := 91.0
	arrive := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	leave := arrive.Add(-time.Hour)

	cases := map[string]ItemInput{
		"blank name":     {Name: " "},
		"latitude":       {Name: "x", Latitude: &lat},
		"reversed times": {Name: "x", ArrivalAt: &arrive, DepartureAt: &leave},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.AppendItem(context.Background(), "p1", in, AppendOptions{})
			assert.ErrorIs(t, err, domain.ErrInvalidAttributes)
		})
	}
	assert.Zero(t, store.insertCalls)
}

func TestAppendItem_ConcurrentPositionsAreContiguous(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)

	const appends = 50
	var wg sync.WaitGroup
	errs := make(chan error, appends)
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AppendItem(context.Background(), "p1", ItemInput{Name: "stop"}, AppendOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	want := make([]int, appends)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, store.positions("p1"))
}

func TestAppendItem_IdempotentReplay(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	cache := newMockCacheRepo()
	svc := NewItemService(store, cache, fastRetry(), nil)
	ctx := context.Background()
	opts := AppendOptions{RequestKey: "req-1"}

	first, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "x"}, opts)
	require.NoError(t, err)

	replay, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "x"}, opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, []int{1}, store.positions("p1"), "replay must not insert twice")
}

func TestAppendItem_InFlightDuplicate(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	cache := newMockCacheRepo()
	cache.claims["append:p1:req-1"] = ""
	svc := NewItemService(store, cache, fastRetry(), nil)

	_, err := svc.AppendItem(context.Background(), "p1", ItemInput{Name: "x"}, AppendOptions{RequestKey: "req-1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestAppendItem_FailureReleasesClaim(t *testing.T) {
	store := newMockStore()
	cache := newMockCacheRepo()
	svc := NewItemService(store, cache, fastRetry(), nil)
	ctx := context.Background()
	opts := AppendOptions{RequestKey: "req-1"}

	_, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "x"}, opts)
	require.ErrorIs(t, err, domain.ErrPlanNotFound)

	store.seedPlan("p1")
	item, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "x"}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Position)
}

func TestAppendItem_CacheErrorSurfaces(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	cache := newMockCacheRepo()
	cache.failing = errors.New("connection refused")
	svc := NewItemService(store, cache, fastRetry(), nil)

	_, err := svc.AppendItem(context.Background(), "p1", ItemInput{Name: "x"}, AppendOptions{RequestKey: "k"})
	assert.ErrorContains(t, err, "idempotency check failed")
}

func TestDeleteItem_LeavesGap(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		item, err := svc.AppendItem(ctx, "p1", ItemInput{Name: name}, AppendOptions{})
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	require.NoError(t, svc.DeleteItem(ctx, ids[1]))
	assert.Equal(t, []int{1, 3}, store.positions("p1"))

	plan, _ := store.GetPlan(ctx, "p1")
	assert.Equal(t, 1, plan.Version, "item deletion leaves the plan version alone")

	assert.ErrorIs(t, svc.DeleteItem(ctx, ids[1]), domain.ErrItemNotFound)
}

func TestUpdateItem_KeepsPosition(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)
	ctx := context.Background()

	item, err := svc.AppendItem(ctx, "p1", ItemInput{Name: "a"}, AppendOptions{})
	require.NoError(t, err)

	updated, err := svc.UpdateItem(ctx, item.ID, domain.ItemPatch{Notes: strPtr("book ahead")})
	require.NoError(t, err)
	assert.Equal(t, item.Position, updated.Position)
	assert.Equal(t, "book ahead", *updated.Notes)

	_, err = svc.UpdateItem(ctx, item.ID, domain.ItemPatch{})
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)

	_, err = svc.UpdateItem(ctx, "missing", domain.ItemPatch{Notes: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestUpdateItem_TrimsName(t *testing.T) {
	store := newMockStore()
	store.seedPlan("p1")
	svc := NewItemService(store, nil, fastRetry(), nil)
	ctx := context.Background()

	item, err := svc.AppendItem(ctx, "p1", ItemInput{Name: " Fushimi Inari "}, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Fushimi Inari", item.Name)

	updated, err := svc.UpdateItem(ctx, item.ID, domain.ItemPatch{Name: strPtr("  Kinkaku-ji  ")})
	require.NoError(t, err)
	assert.Equal(t, "Kinkaku-ji", updated.Name)

	_, err = svc.UpdateItem(ctx, item.ID, domain.ItemPatch{Name: strPtr(" \n ")})
	assert.ErrorIs(t, err, domain.ErrInvalidAttributes)
}

func TestRetryPolicy_BackoffWithinCap(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.MaxDelay+1)
	}

	zero := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultRetryPolicy(), zero)
}

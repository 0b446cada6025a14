package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

// Mock DatabaseRepository. The mutex stands in for the storage transaction.
type mockStore struct {
	mu    sync.Mutex
	plans map[string]domain.Plan
	items map[string]domain.Item

	// collisions makes the next n InsertNextItem calls report ErrPositionTaken
	collisions  int
	insertCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		plans: make(map[string]domain.Plan),
		items: make(map[string]domain.Item),
	}
}

func (m *mockStore) seedPlan(id string) domain.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan := domain.Plan{ID: id, Title: "Trip " + id, Currency: "USD", Version: domain.InitialVersion}
	m.plans[id] = plan
	return plan
}

func (m *mockStore) positions(planID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, it := range m.items {
		if it.PlanID == planID {
			out = append(out, it.Position)
		}
	}
	sort.Ints(out)
	return out
}

func (m *mockStore) CreatePlan(ctx context.Context, plan domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
	return nil
}

func (m *mockStore) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return &plan, nil
}

func (m *mockStore) GetPlanWithItems(ctx context.Context, planID string) (*domain.Plan, []domain.Item, error) {
	plan, err := m.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	items, _ := m.ListItems(ctx, planID)
	return plan, items, nil
}

func (m *mockStore) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Plan
	for _, p := range m.plans {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) UpdatePlan(ctx context.Context, planID string, expectedVersion int, patch domain.PlanPatch, at time.Time) (*domain.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	if plan.Version != expectedVersion {
		return nil, &domain.VersionConflictError{PlanID: planID, Expected: expectedVersion, Current: plan.Version}
	}
	applyPlanPatch(&plan, patch)
	plan.Version++
	plan.UpdatedAt = at
	m.plans[planID] = plan
	return &plan, nil
}

func (m *mockStore) DeletePlan(ctx context.Context, planID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[planID]; !ok {
		return 0, domain.ErrPlanNotFound
	}
	removed := 0
	for id, it := range m.items {
		if it.PlanID == planID {
			delete(m.items, id)
			removed++
		}
	}
	delete(m.plans, planID)
	return removed, nil
}

func (m *mockStore) InsertNextItem(ctx context.Context, item domain.Item) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if _, ok := m.plans[item.PlanID]; !ok {
		return 0, domain.ErrPlanNotFound
	}
	if m.collisions > 0 {
		m.collisions--
		return 0, domain.ErrPositionTaken
	}
	next := 1
	for _, it := range m.items {
		if it.PlanID == item.PlanID && it.Position >= next {
			next = it.Position + 1
		}
	}
	item.Position = next
	m.items[item.ID] = item
	return next, nil
}

func (m *mockStore) InsertItemAt(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[item.PlanID]; !ok {
		return domain.ErrPlanNotFound
	}
	for _, it := range m.items {
		if it.PlanID == item.PlanID && it.Position == item.Position {
			return domain.ErrPositionTaken
		}
	}
	m.items[item.ID] = item
	return nil
}

func (m *mockStore) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return &item, nil
}

func (m *mockStore) ListItems(ctx context.Context, planID string) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Item
	for _, it := range m.items {
		if it.PlanID == planID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *mockStore) UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	applyItemPatch(&item, patch)
	m.items[itemID] = item
	return &item, nil
}

func (m *mockStore) DeleteItem(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[itemID]; !ok {
		return domain.ErrItemNotFound
	}
	delete(m.items, itemID)
	return nil
}

func (m *mockStore) Ping(ctx context.Context) error { return nil }

// Mock CacheRepository
type mockCacheRepo struct {
	mu      sync.Mutex
	claims  map[string]string
	failing error
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{claims: make(map[string]string)}
}

func (m *mockCacheRepo) ClaimRequest(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return "", false, m.failing
	}
	if id, ok := m.claims[key]; ok {
		return id, false, nil
	}
	m.claims[key] = ""
	return "", true, nil
}

func (m *mockCacheRepo) CompleteRequest(ctx context.Context, key, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[key] = itemID
	return nil
}

func (m *mockCacheRepo) ReleaseRequest(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

func applyPlanPatch(plan *domain.Plan, p domain.PlanPatch) {
	if p.Title != nil {
		plan.Title = *p.Title
	}
	if p.Description != nil {
		plan.Description = p.Description
	}
	if p.StartDate != nil {
		plan.StartDate = p.StartDate
	}
	if p.EndDate != nil {
		plan.EndDate = p.EndDate
	}
	if p.BudgetCents != nil {
		plan.BudgetCents = p.BudgetCents
	}
	if p.Currency != nil {
		plan.Currency = *p.Currency
	}
	if p.IsPublic != nil {
		plan.IsPublic = *p.IsPublic
	}
}

func applyItemPatch(item *domain.Item, p domain.ItemPatch) {
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.Address != nil {
		item.Address = p.Address
	}
	if p.Latitude != nil {
		item.Latitude = p.Latitude
	}
	if p.Longitude != nil {
		item.Longitude = p.Longitude
	}
	if p.ArrivalAt != nil {
		item.ArrivalAt = p.ArrivalAt
	}
	if p.DepartureAt != nil {
		item.DepartureAt = p.DepartureAt
	}
	if p.BudgetCents != nil {
		item.BudgetCents = p.BudgetCents
	}
	if p.Notes != nil {
		item.Notes = p.Notes
	}
}

package port

import (
	"context"
	"time"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

type PlanRepository interface {
	// CreatePlan persists a new plan; plan.Version must already be set
	CreatePlan(ctx context.Context, plan domain.Plan) error

	// GetPlan returns domain.ErrPlanNotFound when the plan is absent
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)

	// GetPlanWithItems reads the plan and its items (ordered by position) in one consistent read
	GetPlanWithItems(ctx context.Context, planID string) (*domain.Plan, []domain.Item, error)

	// ListPlans returns every plan with ItemCount populated, most recently updated first
	ListPlans(ctx context.Context) ([]domain.Plan, error)

	// UpdatePlan applies patch only if the stored version equals expectedVersion,
	// bumping the version by one in the same atomic write. It returns the plan
	// as written, domain.ErrPlanNotFound, or a *domain.VersionConflictError.
	UpdatePlan(ctx context.Context, planID string, expectedVersion int, patch domain.PlanPatch, at time.Time) (*domain.Plan, error)

	// DeletePlan removes the plan and all of its items atomically and reports
	// how many items went with it
	DeletePlan(ctx context.Context, planID string) (int, error)
}

type ItemRepository interface {
	// InsertNextItem assigns MAX(position)+1 for item.PlanID and inserts the item.
	// It returns domain.ErrPositionTaken if the (plan, position) uniqueness
	// constraint rejected the write, so the caller may recompute and retry.
	InsertNextItem(ctx context.Context, item domain.Item) (int, error)

	// InsertItemAt inserts item at item.Position as given
	InsertItemAt(ctx context.Context, item domain.Item) error

	GetItem(ctx context.Context, itemID string) (*domain.Item, error)

	ListItems(ctx context.Context, planID string) ([]domain.Item, error)

	// UpdateItem never changes the item's position
	UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (*domain.Item, error)

	// DeleteItem removes exactly one item; sibling positions are left alone
	DeleteItem(ctx context.Context, itemID string) error
}

type DatabaseRepository interface {
	PlanRepository
	ItemRepository

	Ping(ctx context.Context) error
}

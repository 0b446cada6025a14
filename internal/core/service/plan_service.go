package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/port"
)

// PlanInput carries the attributes of a plan to create.
type PlanInput struct {
	Title       string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	BudgetCents *int64
	Currency    string
	IsPublic    bool
}

type PlanService struct {
	plans  port.PlanRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewPlanService(plans port.PlanRepository, logger *slog.Logger) *PlanService {
	return &PlanService{
		plans:  plans,
		logger: loggerOrDiscard(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PlanService) CreatePlan(ctx context.Context, in PlanInput) (_ *domain.Plan, err error) {
	ctx, span := tracer.Start(ctx, "PlanService.CreatePlan")
	defer span.End()
	started := time.Now()
	defer func() { observe(ctx, s.logger, span, "create_plan", started, err) }()

	now := s.now()
	plan := domain.Plan{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		BudgetCents: in.BudgetCents,
		Currency:    in.Currency,
		IsPublic:    in.IsPublic,
		Version:     domain.InitialVersion,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if plan.Currency == "" {
		plan.Currency = domain.DefaultCurrency
	}
	if err := validatePlan(&plan); err != nil {
		return nil, err
	}

	if err := s.plans.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	span.SetAttributes(attribute.String("plan.id", plan.ID))
	return &plan, nil
}

// GetPlan returns the plan together with its items ordered by position.
func (s *PlanService) GetPlan(ctx context.Context, planID string) (*domain.Plan, []domain.Item, error) {
	ctx, span := tracer.Start(ctx, "PlanService.GetPlan", trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()

	plan, items, err := s.plans.GetPlanWithItems(ctx, planID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("get plan: %w", err)
	}
	return plan, items, nil
}

func (s *PlanService) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	ctx, span := tracer.Start(ctx, "PlanService.ListPlans")
	defer span.End()

	plans, err := s.plans.ListPlans(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// UpdatePlan applies patch if and only if the plan is still at expectedVersion.
// Of any number of concurrent calls carrying the same expectedVersion, exactly
// one succeeds; the rest get a *domain.VersionConflictError naming the version
// that beat them.
func (s *PlanService) UpdatePlan(ctx context.Context, planID string, expectedVersion int, patch domain.PlanPatch) (updated *domain.Plan, err error) {
	ctx, span := tracer.Start(ctx, "PlanService.UpdatePlan", trace.WithAttributes(
		attribute.String("plan.id", planID),
		attribute.Int("plan.expected_version", expectedVersion),
	))
	defer span.End()
	started := time.Now()
	defer func() {
		attrs := []any{"plan_id", planID, "expected_version", expectedVersion}
		if updated != nil {
			attrs = append(attrs, "new_version", updated.Version)
		}
		observe(ctx, s.logger, span, "update_plan", started, err, attrs...)
	}()

	if expectedVersion < domain.InitialVersion {
		return nil, fmt.Errorf("%w: expected version must be at least %d", domain.ErrInvalidAttributes, domain.InitialVersion)
	}
	if patch.IsEmpty() {
		return nil, fmt.Errorf("%w: empty patch", domain.ErrInvalidAttributes)
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title must not be blank", domain.ErrInvalidAttributes)
		}
		patch.Title = &title
	}
	if patch.StartDate != nil && patch.EndDate != nil && patch.EndDate.Before(*patch.StartDate) {
		return nil, fmt.Errorf("%w: end date before start date", domain.ErrInvalidAttributes)
	}

	updated, err = s.plans.UpdatePlan(ctx, planID, expectedVersion, patch, s.now())
	if err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return updated, nil
}

// DeletePlan removes the plan and every item under it as one unit and returns
// how many items were removed.
func (s *PlanService) DeletePlan(ctx context.Context, planID string) (removed int, err error) {
	ctx, span := tracer.Start(ctx, "PlanService.DeletePlan", trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()
	started := time.Now()
	defer func() {
		observe(ctx, s.logger, span, "delete_plan", started, err, "plan_id", planID, "items_removed", removed)
	}()

	removed, err = s.plans.DeletePlan(ctx, planID)
	if err != nil {
		return 0, fmt.Errorf("delete plan: %w", err)
	}
	cascadeDeletedItems.Add(float64(removed))
	return removed, nil
}

func validatePlan(plan *domain.Plan) error {
	if plan.Title == "" {
		return fmt.Errorf("%w: title is required", domain.ErrInvalidAttributes)
	}
	if len(plan.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", domain.ErrInvalidAttributes)
	}
	if plan.BudgetCents != nil && *plan.BudgetCents < 0 {
		return fmt.Errorf("%w: budget must not be negative", domain.ErrInvalidAttributes)
	}
	if !plan.DatesValid() {
		return fmt.Errorf("%w: end date before start date", domain.ErrInvalidAttributes)
	}
	return nil
}

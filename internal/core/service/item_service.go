package service

import (
	"context"
	"errors"
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

// ItemInput carries the attributes of an item to append. Position is decided
// by storage unless AppendOptions.Position is set.
type ItemInput struct {
	Name        string
	Address     *string
	Latitude    *float64
	Longitude   *float64
	ArrivalAt   *time.Time
	DepartureAt *time.Time
	BudgetCents *int64
	Notes       *string
}

type AppendOptions struct {
	// Position, when positive, is used verbatim instead of MAX+1.
	Position int
	// RequestKey makes the append idempotent when a cache is configured.
	RequestKey string
}

type ItemService struct {
	items  port.ItemRepository
	cache  port.CacheRepository
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewItemService wires the item use cases. cache may be nil, in which case
// request keys are ignored.
func NewItemService(items port.ItemRepository, cache port.CacheRepository, retry RetryPolicy, logger *slog.Logger) *ItemService {
	return &ItemService{
		items:  items,
		cache:  cache,
		retry:  retry.normalized(),
		logger: loggerOrDiscard(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ItemService) AppendItem(ctx context.Context, planID string, in ItemInput, opts AppendOptions) (_ *domain.Item, err error) {
	ctx, span := tracer.Start(ctx, "ItemService.AppendItem", trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()
	started := time.Now()
	var item *domain.Item
	defer func() {
		attrs := []any{"plan_id", planID}
		if item != nil {
			attrs = append(attrs, "item_id", item.ID, "position", item.Position)
		}
		observe(ctx, s.logger, span, "append_item", started, err, attrs...)
	}()

	if opts.RequestKey == "" || s.cache == nil {
		item, err = s.appendItem(ctx, planID, in, opts.Position)
		return item, err
	}

	key := fmt.Sprintf("append:%s:%s", planID, opts.RequestKey)
	existingID, claimed, err := s.cache.ClaimRequest(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !claimed {
		if existingID == "" {
			return nil, domain.ErrDuplicateRequest
		}
		span.SetAttributes(attribute.Bool("item.replayed", true))
		item, err = s.items.GetItem(ctx, existingID)
		if err != nil {
			return nil, fmt.Errorf("replay append: %w", err)
		}
		return item, nil
	}

	item, err = s.appendItem(ctx, planID, in, opts.Position)
	if err != nil {
		if releaseErr := s.cache.ReleaseRequest(context.WithoutCancel(ctx), key); releaseErr != nil {
			s.logger.WarnContext(ctx, "release idempotency key failed", "key", key, "error", releaseErr)
		}
		return nil, err
	}
	if err := s.cache.CompleteRequest(ctx, key, item.ID); err != nil {
		s.logger.WarnContext(ctx, "record idempotency key failed", "key", key, "item_id", item.ID, "error", err)
	}
	return item, nil
}

// appendItem inserts at MAX(position)+1, retrying with jittered backoff while
// the uniqueness constraint keeps rejecting the computed position.
func (s *ItemService) appendItem(ctx context.Context, planID string, in ItemInput, position int) (*domain.Item, error) {
	item := domain.Item{
		ID:          uuid.NewString(),
		PlanID:      planID,
		Name:        strings.TrimSpace(in.Name),
		Address:     in.Address,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		ArrivalAt:   in.ArrivalAt,
		DepartureAt: in.DepartureAt,
		BudgetCents: in.BudgetCents,
		Notes:       in.Notes,
		CreatedAt:   s.now(),
	}
	if err := validateItem(&item); err != nil {
		return nil, err
	}

	if position < 0 {
		return nil, fmt.Errorf("%w: position must be positive", domain.ErrInvalidAttributes)
	}
	if position > 0 {
		item.Position = position
		if err := s.items.InsertItemAt(ctx, item); err != nil {
			return nil, fmt.Errorf("insert item at %d: %w", position, err)
		}
		return &item, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		pos, err := s.items.InsertNextItem(ctx, item)
		if err == nil {
			appendAttempts.Observe(float64(attempt))
			item.Position = pos
			return &item, nil
		}
		if !errors.Is(err, domain.ErrPositionTaken) {
			return nil, fmt.Errorf("append item: %w", err)
		}
		lastErr = err
		s.logger.DebugContext(ctx, "position taken, retrying", "plan_id", planID, "attempt", attempt)

		if attempt < s.retry.MaxAttempts {
			if err := s.retry.wait(ctx, attempt); err != nil {
				return nil, fmt.Errorf("append item: %w", err)
			}
		}
	}

	appendAttempts.Observe(float64(s.retry.MaxAttempts))
	return nil, &domain.OrderingConflictError{PlanID: planID, Attempts: s.retry.MaxAttempts, Err: lastErr}
}

func (s *ItemService) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "ItemService.GetItem", trace.WithAttributes(attribute.String("item.id", itemID)))
	defer span.End()

	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns the plan's items ordered by position. A plan without items
// and an unknown plan both yield an empty slice at the storage level; callers
// that need the distinction go through PlanService.GetPlan.
func (s *ItemService) ListItems(ctx context.Context, planID string) ([]domain.Item, error) {
	ctx, span := tracer.Start(ctx, "ItemService.ListItems", trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()

	items, err := s.items.ListItems(ctx, planID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *ItemService) UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (_ *domain.Item, err error) {
	ctx, span := tracer.Start(ctx, "ItemService.UpdateItem", trace.WithAttributes(attribute.String("item.id", itemID)))
	defer span.End()
	started := time.Now()
	defer func() { observe(ctx, s.logger, span, "update_item", started, err, "item_id", itemID) }()

	if patch.IsEmpty() {
		return nil, fmt.Errorf("%w: empty patch", domain.ErrInvalidAttributes)
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be blank", domain.ErrInvalidAttributes)
		}
		patch.Name = &name
	}
	if patch.ArrivalAt != nil && patch.DepartureAt != nil && patch.DepartureAt.Before(*patch.ArrivalAt) {
		return nil, fmt.Errorf("%w: departure before arrival", domain.ErrInvalidAttributes)
	}

	item, err := s.items.UpdateItem(ctx, itemID, patch)
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	return item, nil
}

// DeleteItem removes one item. Sibling positions are never renumbered.
func (s *ItemService) DeleteItem(ctx context.Context, itemID string) (err error) {
	ctx, span := tracer.Start(ctx, "ItemService.DeleteItem", trace.WithAttributes(attribute.String("item.id", itemID)))
	defer span.End()
	started := time.Now()
	defer func() { observe(ctx, s.logger, span, "delete_item", started, err, "item_id", itemID) }()

	if err := s.items.DeleteItem(ctx, itemID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func validateItem(item *domain.Item) error {
	if item.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidAttributes)
	}
	if item.Latitude != nil && (*item.Latitude < -90 || *item.Latitude > 90) {
		return fmt.Errorf("%w: latitude out of range", domain.ErrInvalidAttributes)
	}
	if item.Longitude != nil && (*item.Longitude < -180 || *item.Longitude > 180) {
		return fmt.Errorf("%w: longitude out of range", domain.ErrInvalidAttributes)
	}
	if item.BudgetCents != nil && *item.BudgetCents < 0 {
		return fmt.Errorf("%w: budget must not be negative", domain.ErrInvalidAttributes)
	}
	if !item.DatesValid() {
		return fmt.Errorf("%w: departure before arrival", domain.ErrInvalidAttributes)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

// sqlStore holds the database/sql implementation shared by the MySQL and
// SQLite adapters. The dialects differ only in how they lock the parent plan,
// encode timestamps and report constraint violations.
type sqlStore struct {
	db *sql.DB
	// lockPlan selects the plan's version and holds it against concurrent
	// writers until the surrounding transaction ends.
	lockPlan   string
	classify   func(error) constraintKind
	encodeTime func(time.Time) any
	schema     []string
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Migrate creates the plans and items tables if they do not exist yet.
func (s *sqlStore) Migrate(ctx context.Context) error {
	for i, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *sqlStore) nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.encodeTime(*t)
}

func (s *sqlStore) CreatePlan(ctx context.Context, plan domain.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Title, plan.Description,
		s.nullableTime(plan.StartDate), s.nullableTime(plan.EndDate),
		plan.BudgetCents, plan.Currency, plan.IsPublic, plan.Version,
		s.encodeTime(plan.CreatedAt), s.encodeTime(plan.UpdatedAt),
	)
	if err != nil {
		if s.classify(err) == constraintCheck {
			return fmt.Errorf("insert plan: %w: %v", domain.ErrInvalidAttributes, err)
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *sqlStore) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	return s.getPlan(ctx, s.db, planID)
}

func (s *sqlStore) getPlan(ctx context.Context, q dbtx, planID string) (*domain.Plan, error) {
	plan, err := scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, planID), false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return plan, nil
}

func (s *sqlStore) GetPlanWithItems(ctx context.Context, planID string) (*domain.Plan, []domain.Item, error) {
	var (
		plan  *domain.Plan
		items []domain.Item
	)
	err := withinTx(ctx, s.db, func(tx dbtx) error {
		var err error
		if plan, err = s.getPlan(ctx, tx, planID); err != nil {
			return err
		}
		items, err = s.listItems(ctx, tx, planID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return plan, items, nil
}

func (s *sqlStore) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.description, p.start_date, p.end_date, p.budget_cents,
		       p.currency, p.is_public, p.version, p.created_at, p.updated_at,
		       (SELECT COUNT(*) FROM items i WHERE i.plan_id = p.id)
		FROM plans p
		ORDER BY p.updated_at DESC, p.id`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (s *sqlStore) UpdatePlan(ctx context.Context, planID string, expectedVersion int, patch domain.PlanPatch, at time.Time) (*domain.Plan, error) {
	set, args, _ := renderAssignments(planAssignments(patch, s.encodeTime), questionMark, 1)
	if set != "" {
		set += ", "
	}
	args = append(args, s.encodeTime(at), planID, expectedVersion)

	var updated *domain.Plan
	err := withinTx(ctx, s.db, func(tx dbtx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE plans
			SET `+set+`version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`, args...)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var current int
			err := tx.QueryRowContext(ctx, s.lockPlan, planID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrPlanNotFound
			}
			if err != nil {
				return fmt.Errorf("read current version: %w", err)
			}
			return &domain.VersionConflictError{PlanID: planID, Expected: expectedVersion, Current: current}
		}

		updated, err = s.getPlan(ctx, tx, planID)
		return err
	})
	if err != nil {
		if s.classify(err) == constraintCheck {
			return nil, fmt.Errorf("update plan: %w: %v", domain.ErrInvalidAttributes, err)
		}
		return nil, err
	}
	return updated, nil
}

func (s *sqlStore) DeletePlan(ctx context.Context, planID string) (int, error) {
	var removed int
	err := withinTx(ctx, s.db, func(tx dbtx) error {
		var version int
		if err := tx.QueryRowContext(ctx, s.lockPlan, planID).Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrPlanNotFound
			}
			return fmt.Errorf("lock plan: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM items WHERE plan_id = ?`, planID)
		if err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)

		if _, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, planID); err != nil {
			return fmt.Errorf("delete plan: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *sqlStore) InsertNextItem(ctx context.Context, item domain.Item) (int, error) {
	err := withinTx(ctx, s.db, func(tx dbtx) error {
		var version int
		if err := tx.QueryRowContext(ctx, s.lockPlan, item.PlanID).Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrPlanNotFound
			}
			return fmt.Errorf("lock plan: %w", err)
		}

		var maxPosition int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) FROM items WHERE plan_id = ?`, item.PlanID,
		).Scan(&maxPosition); err != nil {
			return fmt.Errorf("read max position: %w", err)
		}

		item.Position = maxPosition + 1
		return s.insertItem(ctx, tx, item)
	})
	if err != nil {
		return 0, s.itemWriteError(err, true)
	}
	return item.Position, nil
}

func (s *sqlStore) InsertItemAt(ctx context.Context, item domain.Item) error {
	if err := s.insertItem(ctx, s.db, item); err != nil {
		return s.itemWriteError(err, false)
	}
	return nil
}

func (s *sqlStore) insertItem(ctx context.Context, q dbtx, item domain.Item) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.PlanID, item.Name, item.Address, item.Latitude, item.Longitude, item.Position,
		s.nullableTime(item.ArrivalAt), s.nullableTime(item.DepartureAt),
		item.BudgetCents, item.Notes, s.encodeTime(item.CreatedAt),
	)
	return err
}

// itemWriteError maps a failed item insert onto the domain taxonomy. A lost
// race inside InsertNextItem is reported as ErrPositionTaken so the caller's
// retry loop recomputes the position.
func (s *sqlStore) itemWriteError(err error, transientIsTaken bool) error {
	switch s.classify(err) {
	case constraintUnique:
		return fmt.Errorf("insert item: %w", domain.ErrPositionTaken)
	case constraintForeignKey:
		return fmt.Errorf("insert item: %w", domain.ErrPlanNotFound)
	case constraintCheck:
		return fmt.Errorf("insert item: %w: %v", domain.ErrInvalidAttributes, err)
	case constraintTransient:
		if transientIsTaken {
			return fmt.Errorf("insert item: %w: %v", domain.ErrPositionTaken, err)
		}
	}
	return fmt.Errorf("insert item: %w", err)
}

func (s *sqlStore) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	return s.getItem(ctx, s.db, itemID)
}

func (s *sqlStore) getItem(ctx context.Context, q dbtx, itemID string) (*domain.Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (s *sqlStore) ListItems(ctx context.Context, planID string) ([]domain.Item, error) {
	return s.listItems(ctx, s.db, planID)
}

func (s *sqlStore) listItems(ctx context.Context, q dbtx, planID string) ([]domain.Item, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE plan_id = ? ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *sqlStore) UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (*domain.Item, error) {
	if patch.IsEmpty() {
		return s.GetItem(ctx, itemID)
	}
	set, args, _ := renderAssignments(itemAssignments(patch, s.encodeTime), questionMark, 1)
	args = append(args, itemID)

	var updated *domain.Item
	err := withinTx(ctx, s.db, func(tx dbtx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE items SET `+set+` WHERE id = ?`, args...); err != nil {
			return err
		}
		var err error
		updated, err = s.getItem(ctx, tx, itemID)
		return err
	})
	if err != nil {
		if s.classify(err) == constraintCheck {
			return nil, fmt.Errorf("update item: %w: %v", domain.ErrInvalidAttributes, err)
		}
		return nil, err
	}
	return updated, nil
}

func (s *sqlStore) DeleteItem(ctx context.Context, itemID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if rows == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/port"
)

type PostgresAdapter struct {
	pool *pgxpool.Pool
}

var _ port.DatabaseRepository = (*PostgresAdapter)(nil)

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

// OpenPostgres creates a pool for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresAdapter) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	for i, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func classifyPostgres(err error) constraintKind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return constraintNone
	}
	switch pgErr.Code {
	case "23505":
		return constraintUnique
	case "23503":
		return constraintForeignKey
	case "23514":
		return constraintCheck
	case "40001", "40P01":
		return constraintTransient
	default:
		return constraintNone
	}
}

func scanPgPlan(row pgx.Row, withCount bool) (*domain.Plan, error) {
	var pl domain.Plan
	dest := []any{
		&pl.ID, &pl.Title, &pl.Description, &pl.StartDate, &pl.EndDate,
		&pl.BudgetCents, &pl.Currency, &pl.IsPublic, &pl.Version, &pl.CreatedAt, &pl.UpdatedAt,
	}
	if withCount {
		dest = append(dest, &pl.ItemCount)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	pl.CreatedAt = pl.CreatedAt.UTC()
	pl.UpdatedAt = pl.UpdatedAt.UTC()
	return &pl, nil
}

func scanPgItem(row pgx.Row) (*domain.Item, error) {
	var it domain.Item
	err := row.Scan(
		&it.ID, &it.PlanID, &it.Name, &it.Address, &it.Latitude, &it.Longitude, &it.Position,
		&it.ArrivalAt, &it.DepartureAt, &it.BudgetCents, &it.Notes, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.CreatedAt = it.CreatedAt.UTC()
	return &it, nil
}

func (p *PostgresAdapter) CreatePlan(ctx context.Context, plan domain.Plan) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		plan.ID, plan.Title, plan.Description, plan.StartDate, plan.EndDate,
		plan.BudgetCents, plan.Currency, plan.IsPublic, plan.Version, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		if classifyPostgres(err) == constraintCheck {
			return fmt.Errorf("insert plan: %w: %v", domain.ErrInvalidAttributes, err)
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	return getPgPlan(ctx, p.pool, planID)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getPgPlan(ctx context.Context, q pgQuerier, planID string) (*domain.Plan, error) {
	plan, err := scanPgPlan(q.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, planID), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return plan, nil
}

func (p *PostgresAdapter) GetPlanWithItems(ctx context.Context, planID string) (*domain.Plan, []domain.Item, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	plan, err := getPgPlan(ctx, tx, planID)
	if err != nil {
		return nil, nil, err
	}
	items, err := listPgItems(ctx, tx, planID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}
	return plan, items, nil
}

func (p *PostgresAdapter) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT p.id, p.title, p.description, p.start_date, p.end_date, p.budget_cents,
		       p.currency, p.is_public, p.version, p.created_at, p.updated_at,
		       (SELECT COUNT(*) FROM items i WHERE i.plan_id = p.id)::int
		FROM plans p
		ORDER BY p.updated_at DESC, p.id`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		plan, err := scanPgPlan(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// UpdatePlan is a single conditional UPDATE ... RETURNING; PostgreSQL re-checks
// the WHERE clause against the latest committed row after waiting on a
// concurrent writer, so only one caller per version can match.
func (p *PostgresAdapter) UpdatePlan(ctx context.Context, planID string, expectedVersion int, patch domain.PlanPatch, at time.Time) (*domain.Plan, error) {
	set, args, n := renderAssignments(planAssignments(patch, func(t time.Time) any { return t }), dollarPlaceholder, 1)
	if set != "" {
		set += ", "
	}
	args = append(args, at, planID, expectedVersion)
	query := fmt.Sprintf(`
		UPDATE plans
		SET %sversion = version + 1, updated_at = $%d
		WHERE id = $%d AND version = $%d
		RETURNING `+planColumns, set, n, n+1, n+2)

	updated, err := scanPgPlan(p.pool.QueryRow(ctx, query, args...), false)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if classifyPostgres(err) == constraintCheck {
			return nil, fmt.Errorf("update plan: %w: %v", domain.ErrInvalidAttributes, err)
		}
		return nil, fmt.Errorf("update plan: %w", err)
	}

	var current int
	err = p.pool.QueryRow(ctx, `SELECT version FROM plans WHERE id = $1`, planID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	return nil, &domain.VersionConflictError{PlanID: planID, Expected: expectedVersion, Current: current}
}

func (p *PostgresAdapter) DeletePlan(ctx context.Context, planID string) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var version int
	if err := tx.QueryRow(ctx, `SELECT version FROM plans WHERE id = $1 FOR UPDATE`, planID).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrPlanNotFound
		}
		return 0, fmt.Errorf("lock plan: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM items WHERE plan_id = $1`, planID)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM plans WHERE id = $1`, planID); err != nil {
		return 0, fmt.Errorf("delete plan: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresAdapter) InsertNextItem(ctx context.Context, item domain.Item) (int, error) {
	position, err := p.insertNextItem(ctx, item)
	if err != nil {
		return 0, pgItemWriteError(err, true)
	}
	return position, nil
}

func (p *PostgresAdapter) insertNextItem(ctx context.Context, item domain.Item) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var version int
	if err := tx.QueryRow(ctx, `SELECT version FROM plans WHERE id = $1 FOR UPDATE`, item.PlanID).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrPlanNotFound
		}
		return 0, fmt.Errorf("lock plan: %w", err)
	}

	var maxPosition int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0)::int FROM items WHERE plan_id = $1`, item.PlanID,
	).Scan(&maxPosition); err != nil {
		return 0, fmt.Errorf("read max position: %w", err)
	}

	item.Position = maxPosition + 1
	if err := insertPgItem(ctx, tx, item); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return item.Position, nil
}

func (p *PostgresAdapter) InsertItemAt(ctx context.Context, item domain.Item) error {
	if err := insertPgItem(ctx, p.pool, item); err != nil {
		return pgItemWriteError(err, false)
	}
	return nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPgItem(ctx context.Context, q pgExecer, item domain.Item) error {
	_, err := q.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.PlanID, item.Name, item.Address, item.Latitude, item.Longitude, item.Position,
		item.ArrivalAt, item.DepartureAt, item.BudgetCents, item.Notes, item.CreatedAt,
	)
	return err
}

func pgItemWriteError(err error, transientIsTaken bool) error {
	switch classifyPostgres(err) {
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

func (p *PostgresAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanPgItem(p.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (p *PostgresAdapter) ListItems(ctx context.Context, planID string) ([]domain.Item, error) {
	return listPgItems(ctx, p.pool, planID)
}

func listPgItems(ctx context.Context, q pgQuerier, planID string) ([]domain.Item, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE plan_id = $1 ORDER BY position`, planID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (p *PostgresAdapter) UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (*domain.Item, error) {
	if patch.IsEmpty() {
		return p.GetItem(ctx, itemID)
	}
	set, args, n := renderAssignments(itemAssignments(patch, func(t time.Time) any { return t }), dollarPlaceholder, 1)
	args = append(args, itemID)

	updated, err := scanPgItem(p.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE items SET %s WHERE id = $%d RETURNING `+itemColumns, set, n), args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		if classifyPostgres(err) == constraintCheck {
			return nil, fmt.Errorf("update item: %w: %v", domain.ErrInvalidAttributes, err)
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return updated, nil
}

func (p *PostgresAdapter) DeleteItem(ctx context.Context, itemID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id           TEXT PRIMARY KEY,
		title        VARCHAR(200) NOT NULL CHECK (btrim(title) <> ''),
		description  TEXT,
		start_date   DATE,
		end_date     DATE,
		budget_cents BIGINT CHECK (budget_cents IS NULL OR budget_cents >= 0),
		currency     CHAR(3) NOT NULL DEFAULT 'USD',
		is_public    BOOLEAN NOT NULL DEFAULT FALSE,
		version      INTEGER NOT NULL DEFAULT 1 CHECK (version > 0),
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		CONSTRAINT plans_dates_ordered CHECK (start_date IS NULL OR end_date IS NULL OR end_date >= start_date)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_plans_updated ON plans (updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS items (
		id           TEXT PRIMARY KEY,
		plan_id      TEXT NOT NULL REFERENCES plans (id) ON DELETE CASCADE,
		name         VARCHAR(200) NOT NULL CHECK (btrim(name) <> ''),
		address      TEXT,
		latitude     DOUBLE PRECISION CHECK (latitude IS NULL OR latitude BETWEEN -90 AND 90),
		longitude    DOUBLE PRECISION CHECK (longitude IS NULL OR longitude BETWEEN -180 AND 180),
		position     INTEGER NOT NULL CHECK (position > 0),
		arrival_at   TIMESTAMPTZ,
		departure_at TIMESTAMPTZ,
		budget_cents BIGINT CHECK (budget_cents IS NULL OR budget_cents >= 0),
		notes        TEXT,
		created_at   TIMESTAMPTZ NOT NULL,
		CONSTRAINT items_plan_position_key UNIQUE (plan_id, position),
		CONSTRAINT items_times_ordered CHECK (arrival_at IS NULL OR departure_at IS NULL OR departure_at >= arrival_at)
	)`,
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/travel-planner/internal/port"
)

// MySQLAdapter serializes appends per plan with SELECT ... FOR UPDATE on the
// parent row and relies on UNIQUE(plan_id, position) as the last line.
type MySQLAdapter struct {
	*sqlStore
}

var _ port.DatabaseRepository = (*MySQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{sqlStore: &sqlStore{
		db:         db,
		lockPlan:   `SELECT version FROM plans WHERE id = ? FOR UPDATE`,
		classify:   classifyMySQL,
		encodeTime: func(t time.Time) any { return t.UTC() },
		schema:     mysqlSchema,
	}}
}

// OpenMySQL opens a pool for dsn with the options the adapter depends on:
// parsed UTC timestamps.
func OpenMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func classifyMySQL(err error) constraintKind {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return constraintNone
	}
	switch myErr.Number {
	case 1062: // ER_DUP_ENTRY
		return constraintUnique
	case 1451, 1452: // ER_ROW_IS_REFERENCED_2, ER_NO_REFERENCED_ROW_2
		return constraintForeignKey
	case 3819: // ER_CHECK_CONSTRAINT_VIOLATED
		return constraintCheck
	case 1205, 1213: // lock wait timeout, deadlock
		return constraintTransient
	default:
		return constraintNone
	}
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id           VARCHAR(36)  NOT NULL PRIMARY KEY,
		title        VARCHAR(200) NOT NULL,
		description  TEXT,
		start_date   DATETIME(6),
		end_date     DATETIME(6),
		budget_cents BIGINT,
		currency     CHAR(3)      NOT NULL DEFAULT 'USD',
		is_public    BOOLEAN      NOT NULL DEFAULT FALSE,
		version      INT          NOT NULL DEFAULT 1,
		created_at   DATETIME(6)  NOT NULL,
		updated_at   DATETIME(6)  NOT NULL,
		INDEX idx_plans_updated (updated_at),
		CONSTRAINT chk_plans_title CHECK (title <> ''),
		CONSTRAINT chk_plans_budget CHECK (budget_cents IS NULL OR budget_cents >= 0),
		CONSTRAINT chk_plans_version CHECK (version > 0),
		CONSTRAINT chk_plans_dates CHECK (start_date IS NULL OR end_date IS NULL OR end_date >= start_date)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS items (
		id           VARCHAR(36)  NOT NULL PRIMARY KEY,
		plan_id      VARCHAR(36)  NOT NULL,
		name         VARCHAR(200) NOT NULL,
		address      TEXT,
		latitude     DOUBLE,
		longitude    DOUBLE,
		position     INT          NOT NULL,
		arrival_at   DATETIME(6),
		departure_at DATETIME(6),
		budget_cents BIGINT,
		notes        TEXT,
		created_at   DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_items_plan_position (plan_id, position),
		CONSTRAINT fk_items_plan FOREIGN KEY (plan_id) REFERENCES plans (id) ON DELETE CASCADE,
		CONSTRAINT chk_items_name CHECK (name <> ''),
		CONSTRAINT chk_items_position CHECK (position > 0),
		CONSTRAINT chk_items_latitude CHECK (latitude IS NULL OR latitude BETWEEN -90 AND 90),
		CONSTRAINT chk_items_longitude CHECK (longitude IS NULL OR longitude BETWEEN -180 AND 180),
		CONSTRAINT chk_items_budget CHECK (budget_cents IS NULL OR budget_cents >= 0),
		CONSTRAINT chk_items_times CHECK (arrival_at IS NULL OR departure_at IS NULL OR departure_at >= arrival_at)
	) ENGINE=InnoDB`,
}

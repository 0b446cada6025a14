package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

const (
	planColumns = "id, title, description, start_date, end_date, budget_cents, currency, is_public, version, created_at, updated_at"
	itemColumns = "id, plan_id, name, address, latitude, longitude, position, arrival_at, departure_at, budget_cents, notes, created_at"

	// sqliteTimeLayout is fixed width so TEXT comparisons in CHECK constraints order correctly.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// constraintKind is the driver-neutral reading of a failed write.
type constraintKind int

const (
	constraintNone constraintKind = iota
	constraintUnique
	constraintForeignKey
	constraintCheck
	// constraintTransient covers deadlocks, serialization failures and busy
	// databases: the statement lost a race and may be retried as a whole.
	constraintTransient
)

type assignment struct {
	column string
	value  any
}

func planAssignments(p domain.PlanPatch, encodeTime func(time.Time) any) []assignment {
	var out []assignment
	if p.Title != nil {
		out = append(out, assignment{"title", *p.Title})
	}
	if p.Description != nil {
		out = append(out, assignment{"description", *p.Description})
	}
	if p.StartDate != nil {
		out = append(out, assignment{"start_date", encodeTime(*p.StartDate)})
	}
	if p.EndDate != nil {
		out = append(out, assignment{"end_date", encodeTime(*p.EndDate)})
	}
	if p.BudgetCents != nil {
		out = append(out, assignment{"budget_cents", *p.BudgetCents})
	}
	if p.Currency != nil {
		out = append(out, assignment{"currency", *p.Currency})
	}
	if p.IsPublic != nil {
		out = append(out, assignment{"is_public", *p.IsPublic})
	}
	return out
}

func itemAssignments(p domain.ItemPatch, encodeTime func(time.Time) any) []assignment {
	var out []assignment
	if p.Name != nil {
		out = append(out, assignment{"name", *p.Name})
	}
	if p.Address != nil {
		out = append(out, assignment{"address", *p.Address})
	}
	if p.Latitude != nil {
		out = append(out, assignment{"latitude", *p.Latitude})
	}
	if p.Longitude != nil {
		out = append(out, assignment{"longitude", *p.Longitude})
	}
	if p.ArrivalAt != nil {
		out = append(out, assignment{"arrival_at", encodeTime(*p.ArrivalAt)})
	}
	if p.DepartureAt != nil {
		out = append(out, assignment{"departure_at", encodeTime(*p.DepartureAt)})
	}
	if p.BudgetCents != nil {
		out = append(out, assignment{"budget_cents", *p.BudgetCents})
	}
	if p.Notes != nil {
		out = append(out, assignment{"notes", *p.Notes})
	}
	return out
}

func questionMark(int) string { return "?" }

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// renderAssignments builds "col = ?, col = ?" starting at placeholder index
// start and returns the next free index.
func renderAssignments(assigns []assignment, placeholder func(int) string, start int) (string, []any, int) {
	parts := make([]string, 0, len(assigns))
	args := make([]any, 0, len(assigns))
	n := start
	for _, a := range assigns {
		parts = append(parts, a.column+" = "+placeholder(n))
		args = append(args, a.value)
		n++
	}
	return strings.Join(parts, ", "), args, n
}

func scanPlan(row rowScanner, withCount bool) (*domain.Plan, error) {
	var p domain.Plan
	dest := []any{
		&p.ID, &p.Title, &p.Description,
		nullTimeInto{&p.StartDate}, nullTimeInto{&p.EndDate},
		&p.BudgetCents, &p.Currency, &p.IsPublic, &p.Version,
		timeInto{&p.CreatedAt}, timeInto{&p.UpdatedAt},
	}
	if withCount {
		dest = append(dest, &p.ItemCount)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var it domain.Item
	err := row.Scan(
		&it.ID, &it.PlanID, &it.Name, &it.Address, &it.Latitude, &it.Longitude, &it.Position,
		nullTimeInto{&it.ArrivalAt}, nullTimeInto{&it.DepartureAt},
		&it.BudgetCents, &it.Notes, timeInto{&it.CreatedAt},
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// timeInto scans native time values (MySQL, PostgreSQL) as well as the TEXT
// timestamps SQLite stores.
type timeInto struct{ dst *time.Time }

func (t timeInto) Scan(src any) error {
	v, ok, err := parseTimeValue(src)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unexpected NULL time")
	}
	*t.dst = v
	return nil
}

type nullTimeInto struct{ dst **time.Time }

func (t nullTimeInto) Scan(src any) error {
	v, ok, err := parseTimeValue(src)
	if err != nil {
		return err
	}
	if !ok {
		*t.dst = nil
		return nil
	}
	*t.dst = &v
	return nil
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimeValue(src any) (time.Time, bool, error) {
	var s string
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, false, fmt.Errorf("unsupported time value %T", src)
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable time %q", s)
}

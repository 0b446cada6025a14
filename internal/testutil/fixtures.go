package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

var fixtureCounter atomic.Int64

// Plan options
type PlanOption func(*domain.Plan)

func WithDates(start, end time.Time) PlanOption {
	return func(p *domain.Plan) {
		p.StartDate = &start
		p.EndDate = &end
	}
}

func WithBudget(cents int64) PlanOption {
	return func(p *domain.Plan) {
		p.BudgetCents = &cents
	}
}

func WithCurrency(code string) PlanOption {
	return func(p *domain.Plan) {
		p.Currency = code
	}
}

func WithDescription(d string) PlanOption {
	return func(p *domain.Plan) {
		p.Description = &d
	}
}

func WithPublic() PlanOption {
	return func(p *domain.Plan) {
		p.IsPublic = true
	}
}

func NewTestPlan(title string, opts ...PlanOption) domain.Plan {
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := domain.Plan{
		ID:        uuid.NewString(),
		Title:     fmt.Sprintf("%s #%d", title, fixtureCounter.Add(1)),
		Currency:  domain.DefaultCurrency,
		Version:   domain.InitialVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Item options
type ItemOption func(*domain.Item)

func WithPosition(pos int) ItemOption {
	return func(it *domain.Item) {
		it.Position = pos
	}
}

func WithCoordinates(lat, lng float64) ItemOption {
	return func(it *domain.Item) {
		it.Latitude = &lat
		it.Longitude = &lng
	}
}

func WithVisit(arrival, departure time.Time) ItemOption {
	return func(it *domain.Item) {
		it.ArrivalAt = &arrival
		it.DepartureAt = &departure
	}
}

func WithNotes(n string) ItemOption {
	return func(it *domain.Item) {
		it.Notes = &n
	}
}

func NewTestItem(planID, name string, opts ...ItemOption) domain.Item {
	it := domain.Item{
		ID:        uuid.NewString(),
		PlanID:    planID,
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	for _, opt := range opts {
		opt(&it)
	}
	return it
}

// Date returns midnight UTC on the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

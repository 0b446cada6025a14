package domain

import "time"

// Item is an ordered child of a Plan. Position is assigned once at creation
// and never rewritten; deleting a sibling leaves a gap.
type Item struct {
	ID          string
	PlanID      string
	Name        string
	Address     *string
	Latitude    *float64
	Longitude   *float64
	Position    int
	ArrivalAt   *time.Time
	DepartureAt *time.Time
	BudgetCents *int64
	Notes       *string
	CreatedAt   time.Time
}

// ItemPatch is a partial attribute set for an Item. There is deliberately no
// Position field.
type ItemPatch struct {
	Name        *string
	Address     *string
	Latitude    *float64
	Longitude   *float64
	ArrivalAt   *time.Time
	DepartureAt *time.Time
	BudgetCents *int64
	Notes       *string
}

func (p ItemPatch) IsEmpty() bool {
	return p.Name == nil && p.Address == nil && p.Latitude == nil && p.Longitude == nil &&
		p.ArrivalAt == nil && p.DepartureAt == nil && p.BudgetCents == nil && p.Notes == nil
}

func (i *Item) DatesValid() bool {
	if i.ArrivalAt == nil || i.DepartureAt == nil {
		return true
	}
	return !i.DepartureAt.Before(*i.ArrivalAt)
}

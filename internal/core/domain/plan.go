package domain

import "time"

const (
	DefaultCurrency = "USD"
	InitialVersion  = 1
)

type Plan struct {
	ID          string
	Title       string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	BudgetCents *int64
	Currency    string
	IsPublic    bool
	Version     int // optimistic locking, starts at InitialVersion
	ItemCount   int // only populated by listings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PlanPatch is a partial attribute set. Nil fields are left unchanged.
type PlanPatch struct {
	Title       *string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	BudgetCents *int64
	Currency    *string
	IsPublic    *bool
}

func (p PlanPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.StartDate == nil && p.EndDate == nil &&
		p.BudgetCents == nil && p.Currency == nil && p.IsPublic == nil
}

// DatesValid reports whether the end date does not precede the start date.
func (p *Plan) DatesValid() bool {
	if p.StartDate == nil || p.EndDate == nil {
		return true
	}
	return !p.EndDate.Before(*p.StartDate)
}

package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/core/service"
)

const dateLayout = "2006-01-02"

// validate is shared by the HTTP and gRPC transports. Custom rules are
// registered in init().
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", validateNotBlank)
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Requests double as gRPC messages under the JSON codec, so identifiers
// that travel in the URL for HTTP also have a body field.

type CreatePlanRequest struct {
	Title       string  `json:"title" validate:"required,notblank,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	StartDate   *string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate     *string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	BudgetCents *int64  `json:"budget_cents,omitempty" validate:"omitempty,gte=0"`
	Currency    string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	IsPublic    bool    `json:"is_public"`
}

func (r CreatePlanRequest) toInput() (service.PlanInput, error) {
	start, err := parseDate(r.StartDate)
	if err != nil {
		return service.PlanInput{}, err
	}
	end, err := parseDate(r.EndDate)
	if err != nil {
		return service.PlanInput{}, err
	}
	return service.PlanInput{
		Title:       r.Title,
		Description: r.Description,
		StartDate:   start,
		EndDate:     end,
		BudgetCents: r.BudgetCents,
		Currency:    r.Currency,
		IsPublic:    r.IsPublic,
	}, nil
}

type UpdatePlanRequest struct {
	ID          string  `json:"id,omitempty"`
	Version     int     `json:"version" validate:"required,gte=1"`
	Title       *string `json:"title,omitempty" validate:"omitempty,notblank,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	StartDate   *string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate     *string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	BudgetCents *int64  `json:"budget_cents,omitempty" validate:"omitempty,gte=0"`
	Currency    *string `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	IsPublic    *bool   `json:"is_public,omitempty"`
}

func (r UpdatePlanRequest) toPatch() (domain.PlanPatch, error) {
	start, err := parseDate(r.StartDate)
	if err != nil {
		return domain.PlanPatch{}, err
	}
	end, err := parseDate(r.EndDate)
	if err != nil {
		return domain.PlanPatch{}, err
	}
	return domain.PlanPatch{
		Title:       r.Title,
		Description: r.Description,
		StartDate:   start,
		EndDate:     end,
		BudgetCents: r.BudgetCents,
		Currency:    r.Currency,
		IsPublic:    r.IsPublic,
	}, nil
}

type AppendItemRequest struct {
	PlanID      string     `json:"plan_id,omitempty"`
	RequestKey  string     `json:"request_key,omitempty" validate:"omitempty,max=128"`
	Position    int        `json:"position,omitempty" validate:"gte=0"`
	Name        string     `json:"name" validate:"required,notblank,max=200"`
	Address     *string    `json:"address,omitempty" validate:"omitempty,max=500"`
	Latitude    *float64   `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64   `json:"longitude,omitempty" validate:"omitempty,longitude"`
	ArrivalAt   *time.Time `json:"arrival_at,omitempty"`
	DepartureAt *time.Time `json:"departure_at,omitempty"`
	BudgetCents *int64     `json:"budget_cents,omitempty" validate:"omitempty,gte=0"`
	Notes       *string    `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

func (r AppendItemRequest) toInput() service.ItemInput {
	return service.ItemInput{
		Name:        r.Name,
		Address:     r.Address,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		ArrivalAt:   r.ArrivalAt,
		DepartureAt: r.DepartureAt,
		BudgetCents: r.BudgetCents,
		Notes:       r.Notes,
	}
}

type UpdateItemRequest struct {
	Name        *string    `json:"name,omitempty" validate:"omitempty,notblank,max=200"`
	Address     *string    `json:"address,omitempty" validate:"omitempty,max=500"`
	Latitude    *float64   `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64   `json:"longitude,omitempty" validate:"omitempty,longitude"`
	ArrivalAt   *time.Time `json:"arrival_at,omitempty"`
	DepartureAt *time.Time `json:"departure_at,omitempty"`
	BudgetCents *int64     `json:"budget_cents,omitempty" validate:"omitempty,gte=0"`
	Notes       *string    `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

func (r UpdateItemRequest) toPatch() domain.ItemPatch {
	return domain.ItemPatch{
		Name:        r.Name,
		Address:     r.Address,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		ArrivalAt:   r.ArrivalAt,
		DepartureAt: r.DepartureAt,
		BudgetCents: r.BudgetCents,
		Notes:       r.Notes,
	}
}

// IDRequest addresses a single plan or item over gRPC.
type IDRequest struct {
	ID string `json:"id" validate:"required"`
}

type PlanResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	StartDate   *string `json:"start_date,omitempty"`
	EndDate     *string `json:"end_date,omitempty"`
	BudgetCents *int64  `json:"budget_cents,omitempty"`
	Currency    string  `json:"currency"`
	IsPublic    bool    `json:"is_public"`
	Version     int     `json:"version"`
	ItemCount   *int    `json:"item_count,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type ItemResponse struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Name        string     `json:"name"`
	Address     *string    `json:"address,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Position    int        `json:"position"`
	ArrivalAt   *time.Time `json:"arrival_at,omitempty"`
	DepartureAt *time.Time `json:"departure_at,omitempty"`
	BudgetCents *int64     `json:"budget_cents,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type PlanWithItemsResponse struct {
	Plan  PlanResponse   `json:"plan"`
	Items []ItemResponse `json:"items"`
}

type DeletePlanResponse struct {
	ID           string `json:"id"`
	ItemsRemoved int    `json:"items_removed"`
}

type Empty struct{}

func newPlanResponse(p *domain.Plan) PlanResponse {
	return PlanResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		StartDate:   formatDate(p.StartDate),
		EndDate:     formatDate(p.EndDate),
		BudgetCents: p.BudgetCents,
		Currency:    p.Currency,
		IsPublic:    p.IsPublic,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func newItemResponse(it *domain.Item) ItemResponse {
	return ItemResponse{
		ID:          it.ID,
		PlanID:      it.PlanID,
		Name:        it.Name,
		Address:     it.Address,
		Latitude:    it.Latitude,
		Longitude:   it.Longitude,
		Position:    it.Position,
		ArrivalAt:   it.ArrivalAt,
		DepartureAt: it.DepartureAt,
		BudgetCents: it.BudgetCents,
		Notes:       it.Notes,
		CreatedAt:   it.CreatedAt,
	}
}

func newItemResponses(items []domain.Item) []ItemResponse {
	out := make([]ItemResponse, 0, len(items))
	for i := range items {
		out = append(out, newItemResponse(&items[i]))
	}
	return out
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q", domain.ErrInvalidAttributes, *s)
	}
	return &t, nil
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(dateLayout)
	return &s
}

// validateRequest runs the struct tags and maps failures onto
// ErrInvalidAttributes.
func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q", domain.ErrInvalidAttributes, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidAttributes, err)
	}
	return nil
}

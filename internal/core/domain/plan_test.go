package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanPatch_IsEmpty(t *testing.T) {
	assert.True(t, PlanPatch{}.IsEmpty())

	public := false
	assert.False(t, PlanPatch{IsPublic: &public}.IsEmpty(), "explicit false is still a change")
}

func TestPlan_DatesValid(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	before := start.AddDate(0, 0, -1)

	assert.True(t, (&Plan{}).DatesValid())
	assert.True(t, (&Plan{StartDate: &start, EndDate: &end}).DatesValid())
	assert.True(t, (&Plan{StartDate: &start, EndDate: &start}).DatesValid())
	assert.False(t, (&Plan{StartDate: &start, EndDate: &before}).DatesValid())
}

func TestItemPatch_IsEmpty(t *testing.T) {
	assert.True(t, ItemPatch{}.IsEmpty())

	notes := ""
	assert.False(t, ItemPatch{Notes: &notes}.IsEmpty())
}

func TestVersionConflictError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("updating plan: %w", &VersionConflictError{PlanID: "p1", Expected: 1, Current: 2})

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.False(t, errors.Is(err, ErrPlanNotFound))

	var conflict *VersionConflictError
	if assert.True(t, errors.As(err, &conflict)) {
		assert.Equal(t, 2, conflict.Current)
	}
}

func TestOrderingConflictError_DoesNotLookLikePositionTaken(t *testing.T) {
	err := &OrderingConflictError{PlanID: "p1", Attempts: 5, Err: ErrPositionTaken}

	assert.True(t, errors.Is(err, ErrOrderingConflict))
	assert.False(t, errors.Is(err, ErrPositionTaken))
	assert.Contains(t, err.Error(), "5 attempts")
}

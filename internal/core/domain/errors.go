package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrItemNotFound      = errors.New("item not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrPositionTaken     = errors.New("position already taken")
	ErrOrderingConflict  = errors.New("ordering conflict")
	ErrInvalidAttributes = errors.New("invalid attributes")
	ErrDuplicateRequest  = errors.New("duplicate request")

	// ErrCascadeTooLarge is returned by stores that cannot remove a plan and
	// all of its items in one atomic write.
	ErrCascadeTooLarge = errors.New("plan has too many items to delete atomically")

	// ErrContention means concurrent writers kept moving a plan while a
	// consistent read or cascade was being assembled. Retrying later is safe.
	ErrContention = errors.New("plan kept changing under concurrent writes")
)

// VersionConflictError reports a stale expected version. Current is the
// version storage held when the conditional write was rejected.
type VersionConflictError struct {
	PlanID   string
	Expected int
	Current  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("plan %s: version conflict: expected %d, current %d", e.PlanID, e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// OrderingConflictError is returned once the position retry budget is spent.
type OrderingConflictError struct {
	PlanID   string
	Attempts int
	Err      error
}

func (e *OrderingConflictError) Error() string {
	return fmt.Sprintf("plan %s: no free position after %d attempts: %v", e.PlanID, e.Attempts, e.Err)
}

// Unwrap yields only ErrOrderingConflict so callers never mistake an
// exhausted auto-assignment for a caller-chosen position collision.
func (e *OrderingConflictError) Unwrap() error {
	return ErrOrderingConflict
}

// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrAssetNotFound indicates an asset was not found by the given identifier.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrVariantNotFound indicates a variant was not found by the given identifier.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrLineageEdgeNotFound indicates a lineage edge was not found.
	ErrLineageEdgeNotFound = errors.New("lineage edge not found")

	// ErrLineageEndpointMissing indicates a lineage edge references a variant
	// that does not exist. This is a data-integrity violation, not an
	// expected absence.
	ErrLineageEndpointMissing = errors.New("lineage edge endpoint does not exist")

	// ErrPlanNotFound indicates a plan was not found by the given identifier.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrStepNotFound indicates a plan step was not found.
	ErrStepNotFound = errors.New("plan step not found")

	// ErrImageRefNotFound indicates no reference-count row exists for a key.
	ErrImageRefNotFound = errors.New("image reference not found")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op       string // Operation being performed (e.g. "GetByID", "Save", "Delete")
	Entity   string // Entity kind (e.g. "asset", "variant", "plan")
	EntityID string // Entity identifier if applicable
	Err      error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.EntityID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, entity, entityID string, err error) *StoreError {
	return &StoreError{
		Op:       op,
		Entity:   entity,
		EntityID: entityID,
		Err:      err,
	}
}

// IsNotFound checks if an error indicates an expected entity absence.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAssetNotFound) ||
		errors.Is(err, ErrVariantNotFound) ||
		errors.Is(err, ErrLineageEdgeNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrImageRefNotFound)
}

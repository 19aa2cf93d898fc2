// Package persistence provides the data storage abstraction for the space
// state engine. Implementations are per-space: one store holds all state for
// exactly one space and is accessed through that space's single writer.
package persistence

import (
	"context"

	"github.com/atelierhq/atelier/pkg/models"
)

// AssetRepository persists assets and their parent/child structure.
type AssetRepository interface {
	Save(ctx context.Context, asset *models.Asset) error
	GetByID(ctx context.Context, id string) (*models.Asset, error)
	GetAll(ctx context.Context) ([]*models.Asset, error)
	GetChildren(ctx context.Context, parentID string) ([]*models.Asset, error)
	SetParent(ctx context.Context, id string, parentID *string) error
	SetActiveVariant(ctx context.Context, id string, variantID *string) error
	Delete(ctx context.Context, id string) error
}

// VariantRepository persists variants.
type VariantRepository interface {
	Save(ctx context.Context, variant *models.Variant) error
	GetByID(ctx context.Context, id string) (*models.Variant, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Variant, error)
	// GetDisplayByIDs fetches variants joined with their asset's name and
	// kind in a single batch query.
	GetDisplayByIDs(ctx context.Context, ids []string) ([]*models.VariantDisplay, error)
	GetByAsset(ctx context.Context, assetID string) ([]*models.Variant, error)
	GetCompleted(ctx context.Context) ([]*models.Variant, error)
	Delete(ctx context.Context, id string) error
}

// LineageRepository persists the variant provenance graph. Create must verify
// both endpoints exist and insert atomically: a dangling endpoint is a hard
// error and leaves no partial row.
type LineageRepository interface {
	Create(ctx context.Context, edge *models.LineageEdge) error
	GetByID(ctx context.Context, id string) (*models.LineageEdge, error)
	GetByVariant(ctx context.Context, variantID string) ([]*models.LineageEdge, error)
	SetSevered(ctx context.Context, id string, severed bool) error
}

// ImageRefRepository persists object reference counts. Increment and
// Decrement are read-modify-write and rely on the single-writer boundary;
// Decrement returns the post-decrement count.
type ImageRefRepository interface {
	Increment(ctx context.Context, objectKey string) error
	Decrement(ctx context.Context, objectKey string) (int64, error)
	Get(ctx context.Context, objectKey string) (*models.ImageRef, error)
	GetAll(ctx context.Context) ([]*models.ImageRef, error)
	Remove(ctx context.Context, objectKey string) error
}

// PlanRepository persists plans and their steps.
type PlanRepository interface {
	SavePlan(ctx context.Context, plan *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	GetPlans(ctx context.Context) ([]*models.Plan, error)
	DeletePlan(ctx context.Context, id string) error

	SaveStep(ctx context.Context, step *models.PlanStep) error
	GetStep(ctx context.Context, id string) (*models.PlanStep, error)
	GetSteps(ctx context.Context, planID string) ([]*models.PlanStep, error)
	// ShiftStepsAfter increments the ordinal of every step in the plan whose
	// index is strictly greater than afterIndex, opening a slot for insertion.
	ShiftStepsAfter(ctx context.Context, planID string, afterIndex int) error
}

// Persistence is the per-space state store.
type Persistence interface {
	Assets() AssetRepository
	Variants() VariantRepository
	Lineage() LineageRepository
	ImageRefs() ImageRefRepository
	Plans() PlanRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

package models

import "time"

// VariantStatus represents the lifecycle state of a generation unit.
type VariantStatus string

const (
	VariantStatusPending    VariantStatus = "pending"    // Placeholder created, generation not started
	VariantStatusProcessing VariantStatus = "processing" // External workflow is generating
	VariantStatusUploading  VariantStatus = "uploading"  // Output produced, object upload in flight
	VariantStatusCompleted  VariantStatus = "completed"  // Output and thumbnail keys present
	VariantStatusFailed     VariantStatus = "failed"     // Terminal until retried
)

// IsActive reports whether the status is a non-terminal, in-flight state.
func (s VariantStatus) IsActive() bool {
	switch s {
	case VariantStatusPending, VariantStatusProcessing, VariantStatusUploading:
		return true
	case VariantStatusCompleted, VariantStatusFailed:
		return false
	}

	return false
}

// Variant is one generated or forked version of an asset. Output and
// thumbnail keys are present if and only if the status is completed; only
// completed variants hold live object references.
type Variant struct {
	ID           string        `json:"id"`
	AssetID      string        `json:"asset_id" validate:"required"`
	WorkflowID   *string       `json:"workflow_id,omitempty"` // External generation correlation id
	Status       VariantStatus `json:"status"`
	Error        *string       `json:"error,omitempty"`
	ImageKey     *string       `json:"image_key,omitempty"`
	ThumbnailKey *string       `json:"thumbnail_key,omitempty"`
	Recipe       *Recipe       `json:"recipe,omitempty"`
	Starred      bool          `json:"starred"`
	PlanStepID   *string       `json:"plan_step_id,omitempty"`
	BatchID      *string       `json:"batch_id,omitempty"`
	CreatedBy    string        `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// VariantDisplay is a variant joined with the owning asset's name and kind,
// fetched in one batch for provenance display.
type VariantDisplay struct {
	Variant

	AssetName string    `json:"asset_name"`
	AssetKind AssetKind `json:"asset_kind"`
}

// ObjectKeys returns the deduplicated set of storage keys the variant
// references: its output key, its thumbnail key, and every input key embedded
// in its recipe. Order follows first occurrence.
func (v *Variant) ObjectKeys() []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, 2)

	add := func(key string) {
		if key == "" {
			return
		}

		if _, ok := seen[key]; ok {
			return
		}

		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	if v.ImageKey != nil {
		add(*v.ImageKey)
	}

	if v.ThumbnailKey != nil {
		add(*v.ThumbnailKey)
	}

	if v.Recipe != nil {
		for _, key := range v.Recipe.InputKeys {
			add(key)
		}
	}

	return keys
}

// Package models defines the core domain models for the space state engine.
package models

import "time"

// AssetKind is a mutable type tag on an asset (e.g. "character", "scene",
// "prop"). The engine treats it as opaque.
type AssetKind string

// Asset is a named creative entity that owns a sequence of variants and may
// nest under a parent asset. The parent-pointer graph is a forest: no cycles,
// no self-parent. A nil ParentID means the asset is a root.
type Asset struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"       validate:"required,min=1"`
	Kind            AssetKind `json:"kind"       validate:"required"`
	Tags            []string  `json:"tags,omitempty"`
	ParentID        *string   `json:"parent_id,omitempty"`
	ActiveVariantID *string   `json:"active_variant_id,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsRoot reports whether the asset has no parent.
func (a *Asset) IsRoot() bool {
	return a.ParentID == nil || *a.ParentID == ""
}

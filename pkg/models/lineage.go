package models

import "time"

// LineageRelation labels how a child variant was produced from its parent.
type LineageRelation string

const (
	LineageRelationDerived LineageRelation = "derived" // Generated using the parent as input
	LineageRelationRefined LineageRelation = "refined" // Parameter-tweaked regeneration
	LineageRelationForked  LineageRelation = "forked"  // Copied into a new asset
)

// LineageEdge is a provenance link recording that one variant was produced
// from another. Edges are never physically deleted, only severed; a severed
// edge stays out of provenance display but keeps the historical record.
// Both endpoints must reference existing variants at creation time.
type LineageEdge struct {
	ID              string          `json:"id"`
	ParentVariantID string          `json:"parent_variant_id" validate:"required"`
	ChildVariantID  string          `json:"child_variant_id"  validate:"required"`
	Relation        LineageRelation `json:"relation"          validate:"required"`
	Severed         bool            `json:"severed"`
	CreatedAt       time.Time       `json:"created_at"`
}

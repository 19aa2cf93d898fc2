// Package events defines event types and structures for space state-change
// notifications.
package events

import (
	"time"

	"github.com/atelierhq/atelier/pkg/models"
)

type EventType string

// Topic is the single topic all space events are broadcast on. Delivery to
// clients is a transport concern; the engine's obligation ends at publish.
const Topic = "atelier.events"

const EventTypeMetadataKey = "event_type"

const (
	// Asset lifecycle events.
	AssetCreatedEvent EventType = "asset.created"
	AssetUpdatedEvent EventType = "asset.updated"
	AssetDeletedEvent EventType = "asset.deleted"

	// Variant lifecycle events.
	VariantCreatedEvent   EventType = "variant.created"
	VariantUpdatedEvent   EventType = "variant.updated"
	VariantCompletedEvent EventType = "variant.completed"
	VariantFailedEvent    EventType = "variant.failed"
	VariantDeletedEvent   EventType = "variant.deleted"

	// Lineage events.
	LineageEdgeCreatedEvent EventType = "lineage.edge.created"
	LineageEdgeSeveredEvent EventType = "lineage.edge.severed"

	// Plan lifecycle events.
	PlanCreatedEvent     EventType = "plan.created"
	PlanUpdatedEvent     EventType = "plan.updated"
	PlanDeletedEvent     EventType = "plan.deleted"
	PlanStepUpdatedEvent EventType = "plan.step.updated"
)

// Event is implemented by every broadcastable event.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SpaceID   string         `json:"space_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type AssetCreated struct {
	BaseEvent

	Asset *models.Asset `json:"asset"`
}

func (e AssetCreated) GetType() EventType {
	return AssetCreatedEvent
}

type AssetUpdated struct {
	BaseEvent

	Asset *models.Asset `json:"asset"`
}

func (e AssetUpdated) GetType() EventType {
	return AssetUpdatedEvent
}

type AssetDeleted struct {
	BaseEvent

	AssetID string `json:"asset_id"`
}

func (e AssetDeleted) GetType() EventType {
	return AssetDeletedEvent
}

type VariantCreated struct {
	BaseEvent

	Variant *models.Variant `json:"variant"`
}

func (e VariantCreated) GetType() EventType {
	return VariantCreatedEvent
}

type VariantUpdated struct {
	BaseEvent

	Variant *models.Variant `json:"variant"`
}

func (e VariantUpdated) GetType() EventType {
	return VariantUpdatedEvent
}

type VariantCompleted struct {
	BaseEvent

	Variant *models.Variant `json:"variant"`
}

func (e VariantCompleted) GetType() EventType {
	return VariantCompletedEvent
}

type VariantFailed struct {
	BaseEvent

	VariantID string `json:"variant_id"`
	Error     string `json:"error"`
}

func (e VariantFailed) GetType() EventType {
	return VariantFailedEvent
}

type VariantDeleted struct {
	BaseEvent

	VariantID string `json:"variant_id"`
	AssetID   string `json:"asset_id"`
}

func (e VariantDeleted) GetType() EventType {
	return VariantDeletedEvent
}

type LineageEdgeCreated struct {
	BaseEvent

	Edge *models.LineageEdge `json:"edge"`
}

func (e LineageEdgeCreated) GetType() EventType {
	return LineageEdgeCreatedEvent
}

type LineageEdgeSevered struct {
	BaseEvent

	EdgeID  string `json:"edge_id"`
	Severed bool   `json:"severed"`
}

func (e LineageEdgeSevered) GetType() EventType {
	return LineageEdgeSeveredEvent
}

type PlanCreated struct {
	BaseEvent

	Plan *models.Plan `json:"plan"`
}

func (e PlanCreated) GetType() EventType {
	return PlanCreatedEvent
}

type PlanUpdated struct {
	BaseEvent

	Plan *models.Plan `json:"plan"`
}

func (e PlanUpdated) GetType() EventType {
	return PlanUpdatedEvent
}

type PlanDeleted struct {
	BaseEvent

	PlanID string `json:"plan_id"`
}

func (e PlanDeleted) GetType() EventType {
	return PlanDeletedEvent
}

type PlanStepUpdated struct {
	BaseEvent

	Step *models.PlanStep `json:"step"`
}

func (e PlanStepUpdated) GetType() EventType {
	return PlanStepUpdatedEvent
}

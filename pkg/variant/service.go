// Package variant implements the lifecycle state machine governing a
// generation unit from placeholder to completed or failed.
package variant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atelierhq/atelier/pkg/events"
	"github.com/atelierhq/atelier/pkg/eventbus"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/persistence"
	"github.com/atelierhq/atelier/pkg/refcount"
)

var (
	// ErrVariantNotFound is returned when a variant is not found.
	ErrVariantNotFound = persistence.ErrVariantNotFound

	// ErrInvalidTransition indicates a status change the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("invalid variant status transition")

	// ErrNotFailed indicates a retry on a variant that is not failed.
	ErrNotFailed = errors.New("variant is not in failed status")
)

// AdvanceHook is invoked after a variant completes, to chain downstream
// pipeline work. Hook failure is logged and never turns the completed
// transition into a reported failure.
type AdvanceHook func(ctx context.Context, variant *models.Variant) error

// Service drives variant lifecycle transitions, coupling completion and
// deletion to the reference counter.
type Service struct {
	spaceID  string
	store    persistence.Persistence
	refs     *refcount.Counter
	bus      eventbus.Broadcaster
	logger   *slog.Logger
	validate *validator.Validate
	advance  AdvanceHook
}

// NewService creates a variant lifecycle service.
func NewService(spaceID string, store persistence.Persistence, refs *refcount.Counter, bus eventbus.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		spaceID:  spaceID,
		store:    store,
		refs:     refs,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
	}
}

// SetAdvanceHook installs the pipeline-advance hook called after completion.
func (s *Service) SetAdvanceHook(hook AdvanceHook) {
	s.advance = hook
}

// CreatePlaceholderRequest describes a placeholder variant. Separating
// placeholder creation from completion lets the UI show in-flight progress
// immediately and lets retries reuse the same identity.
type CreatePlaceholderRequest struct {
	AssetID         string `validate:"required"`
	Recipe          *models.Recipe
	CreatedBy       string
	PlanStepID      *string
	BatchID         *string
	ParentVariantID *string
	Relation        models.LineageRelation
}

// CreatePlaceholder creates a pending variant with no reference-count side
// effect. When a parent variant is given, a lineage edge is recorded
// alongside the new variant.
func (s *Service) CreatePlaceholder(ctx context.Context, req CreatePlaceholderRequest) (*models.Variant, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	asset, err := s.store.Assets().GetByID(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}

	if asset == nil {
		return nil, persistence.ErrAssetNotFound
	}

	variant := &models.Variant{
		AssetID:    req.AssetID,
		Status:     models.VariantStatusPending,
		Recipe:     req.Recipe,
		PlanStepID: req.PlanStepID,
		BatchID:    req.BatchID,
		CreatedBy:  req.CreatedBy,
	}

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return nil, err
	}

	if err := s.linkParent(ctx, variant, req.ParentVariantID, req.Relation); err != nil {
		return nil, err
	}

	s.publish(ctx, &events.VariantCreated{
		BaseEvent: s.newBaseEvent(events.VariantCreatedEvent),
		Variant:   variant,
	})

	return variant, nil
}

// CreateCompletedRequest describes a variant created directly in completed
// status, bypassing the placeholder flow (fork/import path).
type CreateCompletedRequest struct {
	AssetID         string `validate:"required"`
	ImageKey        string `validate:"required"`
	ThumbnailKey    string `validate:"required"`
	Recipe          *models.Recipe
	CreatedBy       string
	BatchID         *string
	ParentVariantID *string
	Relation        models.LineageRelation
}

// CreateCompleted creates a completed variant, incrementing its object
// references at creation instead of at completion.
func (s *Service) CreateCompleted(ctx context.Context, req CreateCompletedRequest) (*models.Variant, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	asset, err := s.store.Assets().GetByID(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}

	if asset == nil {
		return nil, persistence.ErrAssetNotFound
	}

	variant := &models.Variant{
		AssetID:      req.AssetID,
		Status:       models.VariantStatusCompleted,
		ImageKey:     &req.ImageKey,
		ThumbnailKey: &req.ThumbnailKey,
		Recipe:       req.Recipe,
		BatchID:      req.BatchID,
		CreatedBy:    req.CreatedBy,
	}

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return nil, err
	}

	if err := s.refs.AddVariantRefs(ctx, variant); err != nil {
		return nil, err
	}

	if err := s.linkParent(ctx, variant, req.ParentVariantID, req.Relation); err != nil {
		return nil, err
	}

	s.publish(ctx, &events.VariantCreated{
		BaseEvent: s.newBaseEvent(events.VariantCreatedEvent),
		Variant:   variant,
	})

	return variant, nil
}

// AttachWorkflow records the external generation correlation id and moves
// the variant into the given active status. A variant deleted in the
// meantime yields ErrVariantNotFound so the caller can ignore the report.
func (s *Service) AttachWorkflow(ctx context.Context, variantID, workflowID string, status models.VariantStatus) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	if !status.IsActive() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, variant.Status, status)
	}

	variant.WorkflowID = &workflowID
	variant.Status = status

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return err
	}

	s.publish(ctx, &events.VariantUpdated{
		BaseEvent: s.newBaseEvent(events.VariantUpdatedEvent),
		Variant:   variant,
	})

	return nil
}

// UpdateStatus advances a variant along the active path
// (pending -> processing -> uploading).
func (s *Service) UpdateStatus(ctx context.Context, variantID string, status models.VariantStatus) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	if !canAdvance(variant.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, variant.Status, status)
	}

	variant.Status = status

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return err
	}

	s.publish(ctx, &events.VariantUpdated{
		BaseEvent: s.newBaseEvent(events.VariantUpdatedEvent),
		Variant:   variant,
	})

	return nil
}

// Complete marks a variant completed with its output and thumbnail keys and
// increments references for the now-complete key set. The pipeline-advance
// hook runs after the transition commits; its failure is logged, never
// propagated.
func (s *Service) Complete(ctx context.Context, variantID, imageKey, thumbnailKey string) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	if !variant.Status.IsActive() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, variant.Status, models.VariantStatusCompleted)
	}

	variant.Status = models.VariantStatusCompleted
	variant.ImageKey = &imageKey
	variant.ThumbnailKey = &thumbnailKey
	variant.Error = nil

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return err
	}

	if err := s.refs.AddVariantRefs(ctx, variant); err != nil {
		return err
	}

	s.publish(ctx, &events.VariantCompleted{
		BaseEvent: s.newBaseEvent(events.VariantCompletedEvent),
		Variant:   variant,
	})

	if s.advance != nil {
		if err := s.advance(ctx, variant); err != nil {
			s.logger.ErrorContext(ctx, "pipeline advance hook failed",
				"variant_id", variant.ID, "error", err)
		}
	}

	return nil
}

// Fail marks a variant failed with an error message. No reference change:
// a failed variant holds no live references.
func (s *Service) Fail(ctx context.Context, variantID, message string) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	if !variant.Status.IsActive() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, variant.Status, models.VariantStatusFailed)
	}

	variant.Status = models.VariantStatusFailed
	variant.Error = &message

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return err
	}

	s.publish(ctx, &events.VariantFailed{
		BaseEvent: s.newBaseEvent(events.VariantFailedEvent),
		VariantID: variant.ID,
		Error:     message,
	})

	return nil
}

// RetryReset returns a failed variant to pending, clearing its error and
// correlation id while preserving its identity, asset linkage, and recipe.
func (s *Service) RetryReset(ctx context.Context, variantID string) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	if variant.Status != models.VariantStatusFailed {
		return fmt.Errorf("%w: %s", ErrNotFailed, variant.Status)
	}

	variant.Status = models.VariantStatusPending
	variant.Error = nil
	variant.WorkflowID = nil

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return err
	}

	s.publish(ctx, &events.VariantUpdated{
		BaseEvent: s.newBaseEvent(events.VariantUpdatedEvent),
		Variant:   variant,
	})

	return nil
}

// Delete removes a variant, releasing its references only if it was
// completed and clearing the owning asset's active pointer if it pointed at
// the deleted variant. Deleting a variant never deletes its asset.
func (s *Service) Delete(ctx context.Context, variantID string) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	if variant.Status == models.VariantStatusCompleted {
		if err := s.refs.ReleaseVariantRefs(ctx, variant); err != nil {
			return err
		}
	}

	if err := s.store.Variants().Delete(ctx, variantID); err != nil {
		return err
	}

	asset, err := s.store.Assets().GetByID(ctx, variant.AssetID)
	if err != nil {
		return err
	}

	if asset != nil && asset.ActiveVariantID != nil && *asset.ActiveVariantID == variantID {
		if err := s.store.Assets().SetActiveVariant(ctx, asset.ID, nil); err != nil {
			return err
		}
	}

	s.publish(ctx, &events.VariantDeleted{
		BaseEvent: s.newBaseEvent(events.VariantDeletedEvent),
		VariantID: variantID,
		AssetID:   variant.AssetID,
	})

	return nil
}

// SetStarred flips the starred flag on a variant.
func (s *Service) SetStarred(ctx context.Context, variantID string, starred bool) error {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return err
	}

	if variant == nil {
		return ErrVariantNotFound
	}

	variant.Starred = starred

	if err := s.store.Variants().Save(ctx, variant); err != nil {
		return err
	}

	s.publish(ctx, &events.VariantUpdated{
		BaseEvent: s.newBaseEvent(events.VariantUpdatedEvent),
		Variant:   variant,
	})

	return nil
}

// SeverEdge flips the user-visible severed flag on a lineage edge. The edge
// itself is never physically deleted.
func (s *Service) SeverEdge(ctx context.Context, edgeID string, severed bool) error {
	if err := s.store.Lineage().SetSevered(ctx, edgeID, severed); err != nil {
		return err
	}

	s.publish(ctx, &events.LineageEdgeSevered{
		BaseEvent: s.newBaseEvent(events.LineageEdgeSeveredEvent),
		EdgeID:    edgeID,
		Severed:   severed,
	})

	return nil
}

// Get returns a variant by id, or ErrVariantNotFound.
func (s *Service) Get(ctx context.Context, variantID string) (*models.Variant, error) {
	variant, err := s.store.Variants().GetByID(ctx, variantID)
	if err != nil {
		return nil, err
	}

	if variant == nil {
		return nil, ErrVariantNotFound
	}

	return variant, nil
}

// ListByAsset returns all variants owned by an asset.
func (s *Service) ListByAsset(ctx context.Context, assetID string) ([]*models.Variant, error) {
	return s.store.Variants().GetByAsset(ctx, assetID)
}

func (s *Service) linkParent(ctx context.Context, variant *models.Variant, parentVariantID *string, relation models.LineageRelation) error {
	if parentVariantID == nil || *parentVariantID == "" {
		return nil
	}

	if relation == "" {
		relation = models.LineageRelationDerived
	}

	edge := &models.LineageEdge{
		ParentVariantID: *parentVariantID,
		ChildVariantID:  variant.ID,
		Relation:        relation,
	}

	if err := s.store.Lineage().Create(ctx, edge); err != nil {
		return err
	}

	s.publish(ctx, &events.LineageEdgeCreated{
		BaseEvent: s.newBaseEvent(events.LineageEdgeCreatedEvent),
		Edge:      edge,
	})

	return nil
}

func (s *Service) newBaseEvent(eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SpaceID:   s.spaceID,
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to broadcast event",
			"event_type", event.GetType(), "error", err)
	}
}

// canAdvance reports whether a non-terminal status change along the active
// path is legal.
func canAdvance(from, to models.VariantStatus) bool {
	switch {
	case from == models.VariantStatusPending && to == models.VariantStatusProcessing:
		return true
	case from == models.VariantStatusProcessing && to == models.VariantStatusUploading:
		return true
	}

	return false
}

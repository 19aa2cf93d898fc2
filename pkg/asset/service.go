// Package asset implements asset lifecycle operations over the hierarchy
// graph: creation, revision, re-parenting, and deletion.
package asset

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
	"github.com/atelierhq/atelier/pkg/hierarchy"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/persistence"
	"github.com/atelierhq/atelier/pkg/refcount"
)

var (
	// ErrAssetNotFound is returned when an asset is not found.
	ErrAssetNotFound = persistence.ErrAssetNotFound

	// ErrWouldCreateCycle indicates a re-parent that would create a cycle
	// in the asset tree. Rejected before any write.
	ErrWouldCreateCycle = errors.New("re-parent would create a cycle")
)

// Service owns asset lifecycle operations for one space.
type Service struct {
	spaceID  string
	store    persistence.Persistence
	graph    *hierarchy.Graph
	refs     *refcount.Counter
	bus      eventbus.Broadcaster
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService creates an asset service.
func NewService(spaceID string, store persistence.Persistence, graph *hierarchy.Graph, refs *refcount.Counter, bus eventbus.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		spaceID:  spaceID,
		store:    store,
		graph:    graph,
		refs:     refs,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
	}
}

// CreateRequest describes a new asset.
type CreateRequest struct {
	Name      string           `validate:"required,min=1"`
	Kind      models.AssetKind `validate:"required"`
	Tags      []string
	ParentID  *string
	CreatedBy string
}

// Create creates an asset. A non-nil parent must exist.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Asset, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if req.ParentID != nil && *req.ParentID != "" {
		parent, err := s.store.Assets().GetByID(ctx, *req.ParentID)
		if err != nil {
			return nil, err
		}

		if parent == nil {
			return nil, fmt.Errorf("parent: %w", ErrAssetNotFound)
		}
	}

	asset := &models.Asset{
		Name:      req.Name,
		Kind:      req.Kind,
		Tags:      req.Tags,
		ParentID:  req.ParentID,
		CreatedBy: req.CreatedBy,
	}

	if err := s.store.Assets().Save(ctx, asset); err != nil {
		return nil, err
	}

	s.publish(ctx, &events.AssetCreated{
		BaseEvent: s.newBaseEvent(events.AssetCreatedEvent),
		Asset:     asset,
	})

	return asset, nil
}

// UpdateRequest revises an asset's name, type tag, or tag set. Nil fields
// are left unchanged.
type UpdateRequest struct {
	Name *string
	Kind *models.AssetKind
	Tags *[]string
}

// Update revises asset metadata.
func (s *Service) Update(ctx context.Context, assetID string, req UpdateRequest) (*models.Asset, error) {
	asset, err := s.store.Assets().GetByID(ctx, assetID)
	if err != nil {
		return nil, err
	}

	if asset == nil {
		return nil, ErrAssetNotFound
	}

	if req.Name != nil {
		asset.Name = *req.Name
	}

	if req.Kind != nil {
		asset.Kind = *req.Kind
	}

	if req.Tags != nil {
		asset.Tags = *req.Tags
	}

	if err := s.store.Assets().Save(ctx, asset); err != nil {
		return nil, err
	}

	s.publish(ctx, &events.AssetUpdated{
		BaseEvent: s.newBaseEvent(events.AssetUpdatedEvent),
		Asset:     asset,
	})

	return asset, nil
}

// Reparent moves an asset under a new parent (nil means root). The cycle
// check runs before the write commits; a cycle is an invariant violation and
// nothing is written.
func (s *Service) Reparent(ctx context.Context, assetID string, newParentID *string) error {
	asset, err := s.store.Assets().GetByID(ctx, assetID)
	if err != nil {
		return err
	}

	if asset == nil {
		return ErrAssetNotFound
	}

	if newParentID != nil && *newParentID != "" {
		parent, err := s.store.Assets().GetByID(ctx, *newParentID)
		if err != nil {
			return err
		}

		if parent == nil {
			return fmt.Errorf("parent: %w", ErrAssetNotFound)
		}
	}

	cycles, err := s.graph.WouldCreateCycle(ctx, assetID, newParentID)
	if err != nil {
		return err
	}

	if cycles {
		return ErrWouldCreateCycle
	}

	if err := s.store.Assets().SetParent(ctx, assetID, newParentID); err != nil {
		return err
	}

	asset.ParentID = newParentID

	s.publish(ctx, &events.AssetUpdated{
		BaseEvent: s.newBaseEvent(events.AssetUpdatedEvent),
		Asset:     asset,
	})

	return nil
}

// Delete removes an asset. Direct children are reparented to root rather
// than cascaded (grandchildren stay attached to their parent); the asset's
// variants are removed with their references released. Exactly one deleted
// event is emitted for the asset and one updated event per reparented child.
func (s *Service) Delete(ctx context.Context, assetID string) error {
	asset, err := s.store.Assets().GetByID(ctx, assetID)
	if err != nil {
		return err
	}

	if asset == nil {
		return ErrAssetNotFound
	}

	children, err := s.store.Assets().GetChildren(ctx, assetID)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := s.store.Assets().SetParent(ctx, child.ID, nil); err != nil {
			return err
		}

		child.ParentID = nil

		s.publish(ctx, &events.AssetUpdated{
			BaseEvent: s.newBaseEvent(events.AssetUpdatedEvent),
			Asset:     child,
		})
	}

	variants, err := s.store.Variants().GetByAsset(ctx, assetID)
	if err != nil {
		return err
	}

	for _, v := range variants {
		if v.Status == models.VariantStatusCompleted {
			if err := s.refs.ReleaseVariantRefs(ctx, v); err != nil {
				return err
			}
		}

		if err := s.store.Variants().Delete(ctx, v.ID); err != nil {
			return err
		}
	}

	if err := s.store.Assets().Delete(ctx, assetID); err != nil {
		return err
	}

	s.publish(ctx, &events.AssetDeleted{
		BaseEvent: s.newBaseEvent(events.AssetDeletedEvent),
		AssetID:   assetID,
	})

	return nil
}

// SetActiveVariant points an asset at one of its variants (nil clears).
func (s *Service) SetActiveVariant(ctx context.Context, assetID string, variantID *string) error {
	asset, err := s.store.Assets().GetByID(ctx, assetID)
	if err != nil {
		return err
	}

	if asset == nil {
		return ErrAssetNotFound
	}

	if variantID != nil {
		v, err := s.store.Variants().GetByID(ctx, *variantID)
		if err != nil {
			return err
		}

		if v == nil || v.AssetID != assetID {
			return persistence.ErrVariantNotFound
		}
	}

	if err := s.store.Assets().SetActiveVariant(ctx, assetID, variantID); err != nil {
		return err
	}

	asset.ActiveVariantID = variantID

	s.publish(ctx, &events.AssetUpdated{
		BaseEvent: s.newBaseEvent(events.AssetUpdatedEvent),
		Asset:     asset,
	})

	return nil
}

// Get returns an asset by id, or ErrAssetNotFound.
func (s *Service) Get(ctx context.Context, assetID string) (*models.Asset, error) {
	asset, err := s.store.Assets().GetByID(ctx, assetID)
	if err != nil {
		return nil, err
	}

	if asset == nil {
		return nil, ErrAssetNotFound
	}

	return asset, nil
}

// List returns all assets in the space.
func (s *Service) List(ctx context.Context) ([]*models.Asset, error) {
	return s.store.Assets().GetAll(ctx)
}

// Breadcrumbs returns the ancestor chain of an asset in root-first order.
func (s *Service) Breadcrumbs(ctx context.Context, assetID string) ([]string, error) {
	return s.graph.AncestorChain(ctx, assetID)
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
